package mapping

// canonicalOrder breaks ties when ordering by dependencies.
var canonicalOrder = []EntityType{
	Company,
	User,
	Client,
	SubClient,
	TaskType,
	Project,
	CalendarEvent,
	Task,
	Contact,
}

func text(legacy string, aliases ...string) Field {
	return Field{Legacy: legacy, Aliases: aliases, Kind: KindText}
}

func number(legacy string, aliases ...string) Field {
	return Field{Legacy: legacy, Aliases: aliases, Kind: KindNumber}
}

func boolean(legacy string, aliases ...string) Field {
	return Field{Legacy: legacy, Aliases: aliases, Kind: KindBool}
}

func timestamp(legacy string, aliases ...string) Field {
	return Field{Legacy: legacy, Aliases: aliases, Kind: KindTime}
}

func ref(target EntityType, required bool, legacy string, aliases ...string) Field {
	return Field{Legacy: legacy, Aliases: aliases, Kind: KindRef, Ref: target, Required: required}
}

// withCommon adds the built-in bookkeeping fields every legacy type carries.
func withCommon(fields map[Attribute]Field) map[Attribute]Field {
	fields[AttrCreatedAt] = timestamp(LegacyCreatedField, "created_date", "createdAt")
	fields[AttrModifiedAt] = timestamp(LegacyModifiedField, "modified_date", "modifiedAt")
	fields[AttrDeletedAt] = timestamp(LegacyDeletedField, "Deleted At", "deleted_at")
	return fields
}

var entities = map[EntityType]*Entity{
	Company: {
		Type:       Company,
		LegacyType: "Company",
		Table:      "companies",
		Fields: withCommon(map[Attribute]Field{
			AttrName:     text("Company Name", "Name", "companyName"),
			AttrEmail:    text("Company Email", "Email", "email"),
			AttrPhone:    text("Phone Number", "Phone"),
			AttrAddress:  text("Address", "Company Address"),
			AttrWebsite:  text("Website", "website_url"),
			AttrLogoURL:  text("Logo", "Company Logo"),
			AttrIndustry: text("Industry", "industries"),
		}),
	},
	User: {
		Type:       User,
		LegacyType: "User",
		Table:      "users",
		DependsOn:  []EntityType{Company},
		Fields: withCommon(map[Attribute]Field{
			AttrFirstName: text("First Name", "nameFirst"),
			AttrLastName:  text("Last Name", "nameLast"),
			AttrEmail:     text("email", "Email"),
			AttrPhone:     text("Phone", "Phone Number"),
			AttrRole:      text("Employee Type", "employeeType"),
			AttrActive:    boolean("Active", "Is Active"),
			AttrCompanyID: ref(Company, true, "Company", "company"),
		}),
	},
	Client: {
		Type:       Client,
		LegacyType: "Client",
		Table:      "clients",
		DependsOn:  []EntityType{Company},
		Fields: withCommon(map[Attribute]Field{
			AttrName:      text("Name", "Client Name"),
			AttrEmail:     text("Email Address", "Email"),
			AttrPhone:     text("Phone Number", "Phone"),
			AttrAddress:   text("Address"),
			AttrNotes:     text("Notes", "notes"),
			AttrCompanyID: ref(Company, true, "Company", "Parent Company"),
		}),
	},
	SubClient: {
		Type:       SubClient,
		LegacyType: "Sub Client",
		Table:      "sub_clients",
		DependsOn:  []EntityType{Client, Company},
		Fields: withCommon(map[Attribute]Field{
			AttrName:      text("Name"),
			AttrTitle:     text("Title", "Job Title"),
			AttrEmail:     text("Email"),
			AttrPhone:     text("Phone Number", "Phone"),
			AttrClientID:  ref(Client, true, "Parent Client", "Client"),
			AttrCompanyID: ref(Company, true, "Company"),
		}),
	},
	TaskType: {
		Type:       TaskType,
		LegacyType: "Task Type",
		Table:      "task_types",
		DependsOn:  []EntityType{Company},
		Fields: withCommon(map[Attribute]Field{
			AttrName:         text("Display", "Name"),
			AttrColor:        text("Color", "Colour"),
			AttrIcon:         text("Icon"),
			AttrDisplayOrder: number("Order", "Display Order"),
			AttrCompanyID:    ref(Company, true, "Company"),
		}),
	},
	Project: {
		Type:       Project,
		LegacyType: "Project",
		Table:      "projects",
		DependsOn:  []EntityType{Client, Company},
		Fields: withCommon(map[Attribute]Field{
			AttrTitle:     text("Project Name", "Title", "Name"),
			AttrStatus:    text("Status", "status"),
			AttrAddress:   text("Address", "Project Address"),
			AttrStartDate: timestamp("Start Date"),
			AttrEndDate:   timestamp("Completion Date", "End Date"),
			AttrNotes:     text("Description", "Project Description"),
			AttrClientID:  ref(Client, false, "Client"),
			AttrCompanyID: ref(Company, true, "Company"),
		}),
	},
	CalendarEvent: {
		Type:       CalendarEvent,
		LegacyType: "Calendar Event",
		Table:      "calendar_events",
		DependsOn:  []EntityType{Project, Company},
		Fields: withCommon(map[Attribute]Field{
			AttrTitle:     text("Title", "Name"),
			AttrColor:     text("Color", "Colour"),
			AttrStartDate: timestamp("Start Date"),
			AttrEndDate:   timestamp("End Date"),
			AttrAllDay:    boolean("All Day", "allDay"),
			AttrProjectID: ref(Project, false, "Project"),
			AttrTaskID: {
				Legacy: "Task", Aliases: []string{"task"},
				Kind: KindRef, Ref: Task, Late: true,
			},
			AttrCompanyID: ref(Company, true, "Company"),
		}),
	},
	Task: {
		Type:       Task,
		LegacyType: "Task",
		Table:      "tasks",
		DependsOn:  []EntityType{Project, TaskType, Company},
		Fields: withCommon(map[Attribute]Field{
			AttrTitle:        text("Task Title", "Title", "title"),
			AttrStatus:       text("Status", "status"),
			AttrNotes:        text("Task Notes", "Notes"),
			AttrStartDate:    timestamp("Scheduled Date", "Start Date"),
			AttrEndDate:      timestamp("End Date", "Completion Date"),
			AttrDisplayOrder: number("Task Index", "Index"),
			AttrProjectID:    ref(Project, true, "Project"),
			AttrTaskTypeID:   ref(TaskType, false, "Task Type", "Type", "type"),
			AttrCompanyID:    ref(Company, true, "Company"),
		}),
	},
	Contact: {
		Type:       Contact,
		LegacyType: "Contact",
		Table:      "contacts",
		DependsOn:  []EntityType{Client, Company},
		Fields: withCommon(map[Attribute]Field{
			AttrName:      text("Name", "Full Name"),
			AttrEmail:     text("Email", "email"),
			AttrPhone:     text("Phone", "Phone Number"),
			AttrSource:    text("Source System", "Source"),
			AttrClientID:  ref(Client, false, "Client"),
			AttrCompanyID: ref(Company, true, "Company"),
		}),
	},
}
