package mapping

// Role is the internal role key of a user.
type Role string

const (
	RoleOfficeCrew Role = "officeCrew"
	RoleFieldCrew  Role = "fieldCrew"
	RoleAdmin      Role = "admin"
)

// ProjectStatus is the internal status key of a project.
type ProjectStatus string

const (
	ProjectRFQ        ProjectStatus = "rfq"
	ProjectEstimated  ProjectStatus = "estimated"
	ProjectAccepted   ProjectStatus = "accepted"
	ProjectInProgress ProjectStatus = "inProgress"
	ProjectCompleted  ProjectStatus = "completed"
	ProjectClosed     ProjectStatus = "closed"
	ProjectArchived   ProjectStatus = "archived"
)

var taskStatusRewrites = map[string]string{
	"Scheduled": "Booked",
}

var employeeTypeRoles = map[string]Role{
	"Office Crew": RoleOfficeCrew,
	"Field Crew":  RoleFieldCrew,
	"Admin":       RoleAdmin,
}

var projectStatuses = map[string]ProjectStatus{
	"RFQ":         ProjectRFQ,
	"Estimated":   ProjectEstimated,
	"Accepted":    ProjectAccepted,
	"In Progress": ProjectInProgress,
	"Completed":   ProjectCompleted,
	"Closed":      ProjectClosed,
	"Archived":    ProjectArchived,
}

// NormalizeTaskStatus rewrites "Scheduled" to "Booked". Every other value,
// including case variants, is returned unchanged.
func NormalizeTaskStatus(status string) string {
	if v, ok := taskStatusRewrites[status]; ok {
		return v
	}
	return status
}

// EmployeeTypeToRole maps a legacy employee category to a role. Only the
// three exact legacy strings map elsewhere than fieldCrew.
func EmployeeTypeToRole(employeeType string) Role {
	if r, ok := employeeTypeRoles[employeeType]; ok {
		return r
	}
	return RoleFieldCrew
}

// ProjectStatusKey maps a legacy project status by exact match; anything
// unknown is rfq.
func ProjectStatusKey(status string) ProjectStatus {
	if s, ok := projectStatuses[status]; ok {
		return s
	}
	return ProjectRFQ
}
