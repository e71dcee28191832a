package checkpoint

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

const (
	masterKeyEnv    = "FIELDSYNC_MASTER_KEY"
	profileCipherV1 = byte(1)
)

// ErrProfileMismatch is returned when a profile is used for a tenant or
// legacy app other than the one it was saved for.
var ErrProfileMismatch = errors.New("profile does not match")

// Profile is a saved tenant configuration. Tenant and BaseURL are stored in
// clear so profiles can be listed without the master key; Config is only
// filled by GetProfile.
type Profile struct {
	Name        string
	Description string
	Tenant      string
	BaseURL     string
	Config      []byte
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Check verifies that a loaded config still targets the profile's tenant
// and legacy app.
func (p *Profile) Check(tenant, baseURL string) error {
	if tenant != p.Tenant {
		return fmt.Errorf("%w: profile %q belongs to tenant %q, not %q", ErrProfileMismatch, p.Name, p.Tenant, tenant)
	}
	if baseURL != p.BaseURL {
		return fmt.Errorf("%w: profile %q targets %s, not %s", ErrProfileMismatch, p.Name, p.BaseURL, baseURL)
	}
	return nil
}

// additionalData binds the ciphertext to the identity columns, so a row
// whose tenant was edited no longer decrypts.
func (p *Profile) additionalData() []byte {
	return []byte(p.Name + "\x00" + p.Tenant + "\x00" + p.BaseURL)
}

// SaveProfile encrypts and stores p, replacing any profile of the same name.
func (s *State) SaveProfile(p Profile) error {
	if p.Name == "" {
		return fmt.Errorf("profile name is required")
	}
	if p.Tenant == "" || p.BaseURL == "" {
		return fmt.Errorf("profile %q needs a tenant and a legacy base url", p.Name)
	}

	enc, err := sealProfile(p.additionalData(), p.Config)
	if err != nil {
		return err
	}
	now := formatTime(time.Now())

	_, err = s.db.Exec(`
		INSERT INTO profiles (name, description, tenant, base_url, config_enc, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			description = excluded.description,
			tenant = excluded.tenant,
			base_url = excluded.base_url,
			config_enc = excluded.config_enc,
			updated_at = excluded.updated_at
	`, p.Name, p.Description, p.Tenant, p.BaseURL, enc, now, now)
	return err
}

// GetProfile returns a profile with its decrypted config.
func (s *State) GetProfile(name string) (*Profile, error) {
	row := s.db.QueryRow(`
		SELECT name, description, tenant, base_url, created_at, updated_at, config_enc
		FROM profiles WHERE name = ?`, name)

	var enc []byte
	p, err := scanProfile(row, &enc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("profile %q not found", name)
	}
	if err != nil {
		return nil, err
	}
	if p.Config, err = openProfile(p.additionalData(), enc); err != nil {
		return nil, fmt.Errorf("profile %q: %w", name, err)
	}
	return p, nil
}

// DeleteProfile removes a profile.
func (s *State) DeleteProfile(name string) error {
	res, err := s.db.Exec(`DELETE FROM profiles WHERE name = ?`, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("profile %q not found", name)
	}
	return nil
}

// ListProfiles returns stored profiles without their configs.
func (s *State) ListProfiles() ([]Profile, error) {
	rows, err := s.db.Query(`
		SELECT name, description, tenant, base_url, created_at, updated_at
		FROM profiles
		ORDER BY tenant, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var profiles []Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, *p)
	}
	return profiles, rows.Err()
}

func scanProfile(row scanner, extra ...any) (*Profile, error) {
	var p Profile
	var desc sql.NullString
	var created, updated string
	dest := append([]any{&p.Name, &desc, &p.Tenant, &p.BaseURL, &created, &updated}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	p.Description = desc.String
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &p, nil
}

func sealProfile(ad, plaintext []byte) ([]byte, error) {
	gcm, err := profileCipher()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	payload := append([]byte{profileCipherV1}, nonce...)
	return gcm.Seal(payload, nonce, plaintext, ad), nil
}

func openProfile(ad, payload []byte) ([]byte, error) {
	if len(payload) == 0 || payload[0] != profileCipherV1 {
		return nil, errors.New("unsupported encrypted profile payload")
	}
	gcm, err := profileCipher()
	if err != nil {
		return nil, err
	}
	n := gcm.NonceSize()
	if len(payload) < 1+n {
		return nil, errors.New("encrypted profile payload is too short")
	}
	plaintext, err := gcm.Open(nil, payload[1:1+n], payload[1+n:], ad)
	if err != nil {
		return nil, fmt.Errorf("decrypt profile: %w", err)
	}
	return plaintext, nil
}

// profileCipher builds AES-256-GCM from the base64 key in FIELDSYNC_MASTER_KEY.
func profileCipher() (cipher.AEAD, error) {
	raw := os.Getenv(masterKeyEnv)
	if raw == "" {
		return nil, fmt.Errorf("%s is not set", masterKeyEnv)
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be base64-encoded: %w", masterKeyEnv, err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("%s must decode to 32 bytes (got %d)", masterKeyEnv, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
