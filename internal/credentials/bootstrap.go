// Package credentials handles first-boot admin credential generation and the
// burn-after-reading hand-off to the operator's browser.
package credentials

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/oalterg/pinextcloudflaredeploy/internal/envfile"
	"github.com/oalterg/pinextcloudflaredeploy/internal/fsatomic"
)

// ErrNotFound signals the one-time window has passed: either the credential
// was already claimed or it was never published. This is a permanent
// condition, not a transient one.
var ErrNotFound = errors.New("one-time credential not found")

const passwordLength = 16

const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// passwordKeys is every config key the master password fans out to. The
// stack's services are provisioned with one shared secret at bootstrap.
var passwordKeys = []string{
	"MASTER_PASSWORD",
	"MANAGER_PASSWORD",
	"NEXTCLOUD_ADMIN_PASSWORD",
	"MYSQL_ROOT_PASSWORD",
	"MYSQL_PASSWORD",
	"HA_ADMIN_PASSWORD",
}

// legacyKeys are checked, newest first, for a password left by an earlier
// release before generating a fresh one.
var legacyKeys = []string{"MASTER_PASSWORD", "MANAGER_PASSWORD", "NEXTCLOUD_ADMIN_PASSWORD"}

// Credential is the record handed to the operator exactly once.
type Credential struct {
	Username    string    `json:"username"`
	Password    string    `json:"password"`
	Domain      string    `json:"domain"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Bootstrap ties the live env config to the dedicated one-time file.
type Bootstrap struct {
	env  *envfile.Store
	path string
}

func New(env *envfile.Store, path string) *Bootstrap {
	return &Bootstrap{env: env, path: path}
}

// GenerateIfAbsent returns the existing master password if any prior release
// stored one, otherwise generates a random alphanumeric password and fans it
// out to every service key in the live config.
func (b *Bootstrap) GenerateIfAbsent() (string, error) {
	config, err := b.env.Load()
	if err != nil {
		return "", err
	}
	for _, key := range legacyKeys {
		if v := config[key]; v != "" {
			return v, nil
		}
	}
	password, err := randomPassword(passwordLength)
	if err != nil {
		return "", err
	}
	for _, key := range passwordKeys {
		if err := b.env.Set(key, password); err != nil {
			return "", fmt.Errorf("persist %s: %w", key, err)
		}
	}
	return password, nil
}

// Publish writes the one-time credential record. The file's existence is the
// "unclaimed" marker; it does not replace the env-file copies of the same
// password.
func (b *Bootstrap) Publish(c Credential) error {
	return fsatomic.SaveJSON(b.path, c, 0o600)
}

// Claim returns the published credential and deletes it. The claim is an
// atomic rename, so concurrent claimers (or a claim racing the explicit
// client acknowledgement) yield at most one success; every other caller gets
// ErrNotFound.
func (b *Bootstrap) Claim() (Credential, error) {
	claimed := fmt.Sprintf("%s.claimed.%d", b.path, os.Getpid())
	if err := os.Rename(b.path, claimed); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Credential{}, ErrNotFound
		}
		return Credential{}, err
	}
	defer os.Remove(claimed)

	data, err := os.ReadFile(claimed)
	if err != nil {
		return Credential{}, err
	}
	var c Credential
	if err := json.Unmarshal(data, &c); err != nil {
		return Credential{}, err
	}
	return c, nil
}

// Burn removes an unclaimed credential, for the client-acknowledged cleanup
// path. Burning an already-claimed credential is a no-op.
func (b *Bootstrap) Burn() error {
	if err := os.Remove(b.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func randomPassword(n int) (string, error) {
	out := make([]byte, n)
	max := big.NewInt(int64(len(alphabet)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = alphabet[idx.Int64()]
	}
	return string(out), nil
}
