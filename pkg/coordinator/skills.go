package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/rs/zerolog/log"

	"github.com/halcyonlabs/outpost/internal/observability"
	"github.com/halcyonlabs/outpost/pkg/contextdir"
)

// ErrSkillExists indicates a pull would clobber a local context
// document and overwrite was not requested.
var ErrSkillExists = errors.New("local context document already exists")

// SkillSync moves named context documents between the local context
// directory and the coordinator's shared skill store.
type SkillSync struct {
	client *Client
	docs   *contextdir.Documents
}

// NewSkillSync creates a SkillSync over the given client and documents.
func NewSkillSync(client *Client, docs *contextdir.Documents) *SkillSync {
	return &SkillSync{client: client, docs: docs}
}

// SyncResult partitions a bulk sync into published and failed names.
type SyncResult struct {
	Published []string    `json:"published"`
	Failed    []SyncError `json:"failed"`
}

// SyncError names a document that failed to publish and why.
type SyncError struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

// Publish uploads a local context document to the coordinator.
func (s *SkillSync) Publish(ctx context.Context, name string) error {
	if err := contextdir.ValidateName(name); err != nil {
		return err
	}

	content, err := s.docs.Get(name)
	if err != nil {
		return err
	}

	return s.publishContent(ctx, name, content)
}

func (s *SkillSync) publishContent(ctx context.Context, name, content string) error {
	payload := map[string]interface{}{
		"name":         name,
		"content":      content,
		"source_agent": s.client.opts.AgentName,
	}

	resp, err := s.client.post(ctx, "publish_skill", "/api/skills", payload, s.client.opts.RequestTimeout)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		observability.RecordCoordinatorCall("publish_skill", false)
		return &StatusError{Operation: "publish_skill", Code: resp.StatusCode}
	}

	observability.RecordCoordinatorCall("publish_skill", true)
	log.Info().Str("skill", name).Msg("Published skill to coordinator")
	return nil
}

// Pull downloads a skill from the coordinator into the local context
// directory. When the document already exists locally, overwrite must
// be set or ErrSkillExists is returned.
func (s *SkillSync) Pull(ctx context.Context, name string, overwrite bool) (int, error) {
	if err := contextdir.ValidateName(name); err != nil {
		return 0, err
	}

	if _, err := s.docs.Get(name); err == nil && !overwrite {
		return 0, ErrSkillExists
	}

	path := "/api/skills/" + url.PathEscape(name)
	resp, err := s.client.get(ctx, "pull_skill", path, s.client.opts.RequestTimeout)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		observability.RecordCoordinatorCall("pull_skill", true)
		return 0, contextdir.ErrDocumentNotFound
	case resp.StatusCode != http.StatusOK:
		observability.RecordCoordinatorCall("pull_skill", false)
		return 0, &StatusError{Operation: "pull_skill", Code: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("read skill response: %w", err)
	}

	var skill struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(body, &skill); err != nil {
		return 0, fmt.Errorf("decode skill response: %w", err)
	}

	if err := s.docs.Put(name, skill.Content); err != nil {
		return 0, err
	}

	observability.RecordCoordinatorCall("pull_skill", true)
	log.Info().Str("skill", name).Int("size", len(skill.Content)).Msg("Pulled skill from coordinator")
	return len(skill.Content), nil
}

// SyncAll publishes every non-reserved local context document. The
// dynamic state and history documents are never synced.
func (s *SkillSync) SyncAll(ctx context.Context) SyncResult {
	result := SyncResult{
		Published: []string{},
		Failed:    []SyncError{},
	}

	names, err := s.docs.Names(false)
	if err != nil {
		log.Error().Err(err).Msg("Skill sync could not list context documents")
		return result
	}

	for _, name := range names {
		content, err := s.docs.Get(name)
		if err != nil {
			result.Failed = append(result.Failed, SyncError{Name: name, Error: err.Error()})
			continue
		}
		if err := s.publishContent(ctx, name, content); err != nil {
			result.Failed = append(result.Failed, SyncError{Name: name, Error: err.Error()})
			continue
		}
		result.Published = append(result.Published, name)
	}

	log.Info().
		Int("published", len(result.Published)).
		Int("failed", len(result.Failed)).
		Msg("Skill sync complete")
	return result
}

// Available returns the coordinator's skill catalog as raw JSON, passed
// through to the operator unchanged.
func (s *SkillSync) Available(ctx context.Context) (json.RawMessage, error) {
	resp, err := s.client.get(ctx, "list_skills", "/api/skills", s.client.opts.RequestTimeout)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		observability.RecordCoordinatorCall("list_skills", false)
		return nil, &StatusError{Operation: "list_skills", Code: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read skill catalog: %w", err)
	}

	observability.RecordCoordinatorCall("list_skills", true)
	return json.RawMessage(body), nil
}
