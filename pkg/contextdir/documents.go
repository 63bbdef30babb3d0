package contextdir

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Reserved dynamic document names, regenerated before every engine
// invocation and excluded from skill sync.
const (
	StateDocument   = "state"
	HistoryDocument = "history"
)

var (
	// ErrInvalidName indicates a document name outside the safe charset
	ErrInvalidName = errors.New("invalid document name (alphanumeric, dash, underscore only)")
	// ErrDocumentExists indicates a create on an already existing document
	ErrDocumentExists = errors.New("document already exists")
	// ErrDocumentNotFound indicates a read/delete of a missing document
	ErrDocumentNotFound = errors.New("document not found")
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateName checks a document name against the safe identifier charset.
// The restriction prevents path escape out of the context directory.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return ErrInvalidName
	}
	return nil
}

// IsReserved reports whether a name is one of the dynamic pair
func IsReserved(name string) bool {
	return name == StateDocument || name == HistoryDocument
}

// DocumentInfo describes one named context document
type DocumentInfo struct {
	Name     string    `json:"name"`
	Filename string    `json:"filename"`
	Size     int64     `json:"size_bytes"`
	Modified time.Time `json:"modified"`
	Included bool      `json:"included"`
}

// Documents manages the named text documents in the context directory plus
// the root composition document in the working directory.
type Documents struct {
	contextDir string
	rootPath   string
}

// NewDocuments creates a document store over contextDir, with rootPath the
// root composition document the engine resolves imports from.
func NewDocuments(contextDir, rootPath string) (*Documents, error) {
	if contextDir == "" {
		return nil, fmt.Errorf("context directory is required")
	}
	if err := os.MkdirAll(contextDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create context directory: %w", err)
	}

	return &Documents{
		contextDir: contextDir,
		rootPath:   rootPath,
	}, nil
}

// Dir returns the context directory path
func (d *Documents) Dir() string {
	return d.contextDir
}

func (d *Documents) path(name string) string {
	return filepath.Join(d.contextDir, name+".md")
}

// Create writes a new document; ErrDocumentExists when one is already there
func (d *Documents) Create(name, content string) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	path := d.path(name)
	if _, err := os.Stat(path); err == nil {
		return ErrDocumentExists
	}

	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write document %s: %w", name, err)
	}

	log.Info().Str("name", name).Int("chars", len(content)).Msg("Context document created")
	return nil
}

// Get reads a document by name
func (d *Documents) Get(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}

	data, err := os.ReadFile(d.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrDocumentNotFound
		}
		return "", fmt.Errorf("failed to read document %s: %w", name, err)
	}
	return string(data), nil
}

// Put writes a document, overwriting any existing content
func (d *Documents) Put(name, content string) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	if err := os.WriteFile(d.path(name), []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write document %s: %w", name, err)
	}

	log.Info().Str("name", name).Int("chars", len(content)).Msg("Context document saved")
	return nil
}

// Delete removes a document; ErrDocumentNotFound when missing
func (d *Documents) Delete(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	path := d.path(name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return ErrDocumentNotFound
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to delete document %s: %w", name, err)
	}

	log.Info().Str("name", name).Msg("Context document deleted")
	return nil
}

// List enumerates all documents, flagging those imported by the root document
func (d *Documents) List() ([]DocumentInfo, error) {
	rootContent, _ := d.GetRoot()

	entries, err := os.ReadDir(d.contextDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []DocumentInfo{}, nil
		}
		return nil, fmt.Errorf("failed to read context directory: %w", err)
	}

	infos := make([]DocumentInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		name := strings.TrimSuffix(entry.Name(), ".md")
		infos = append(infos, DocumentInfo{
			Name:     name,
			Filename: entry.Name(),
			Size:     info.Size(),
			Modified: info.ModTime(),
			Included: strings.Contains(rootContent, "@context/"+entry.Name()),
		})
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// Names returns all document names, optionally excluding the reserved pair
func (d *Documents) Names(includeReserved bool) ([]string, error) {
	infos, err := d.List()
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(infos))
	for _, info := range infos {
		if !includeReserved && IsReserved(info.Name) {
			continue
		}
		names = append(names, info.Name)
	}
	return names, nil
}

// GetRoot reads the root composition document
func (d *Documents) GetRoot() (string, error) {
	data, err := os.ReadFile(d.rootPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrDocumentNotFound
		}
		return "", fmt.Errorf("failed to read root document: %w", err)
	}
	return string(data), nil
}

// PutRoot overwrites the root composition document
func (d *Documents) PutRoot(content string) error {
	if err := os.WriteFile(d.rootPath, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write root document: %w", err)
	}
	log.Info().Int("chars", len(content)).Msg("Root document updated")
	return nil
}
