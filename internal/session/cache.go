package session

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
)

const cacheFileName = "session.age"

// Cache persists the artifact between runs, encrypted with a passphrase.
type Cache struct {
	dir        string
	passphrase string
	workFactor int
}

// NewCache stores the artifact under dir. The directory is created on the
// first Save.
func NewCache(dir, passphrase string) *Cache {
	return &Cache{dir: dir, passphrase: passphrase, workFactor: 18}
}

func (c *Cache) Path() string {
	return filepath.Join(c.dir, cacheFileName)
}

// Load returns the cached artifact, or "" if nothing was saved yet.
func (c *Cache) Load() (string, error) {
	data, err := os.ReadFile(c.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("reading session cache: %w", err)
	}

	identity, err := age.NewScryptIdentity(c.passphrase)
	if err != nil {
		return "", fmt.Errorf("session cache identity: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(data), identity)
	if err != nil {
		return "", fmt.Errorf("decrypting session cache: %w", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("reading decrypted session cache: %w", err)
	}
	return strings.TrimSpace(string(plain)), nil
}

// Save writes the artifact with a temp-file-then-rename so a crash never
// leaves a truncated cache behind.
func (c *Cache) Save(artifact string) error {
	if err := os.MkdirAll(c.dir, 0o700); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	recipient, err := age.NewScryptRecipient(c.passphrase)
	if err != nil {
		return fmt.Errorf("session cache recipient: %w", err)
	}
	recipient.SetWorkFactor(c.workFactor)

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := io.WriteString(w, artifact); err != nil {
		return fmt.Errorf("encrypting session: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing session cache: %w", err)
	}

	tmp, err := os.CreateTemp(c.dir, ".session-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, c.Path()); err != nil {
		return fmt.Errorf("renaming session cache: %w", err)
	}
	committed = true
	return nil
}
