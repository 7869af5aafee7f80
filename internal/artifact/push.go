package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"salagent/internal/client"
)

// profilePayloadKeys are the only payload fields sent with profiles.
var profilePayloadKeys = []string{"PayloadIdentifier", "PayloadUUID", "PayloadType"}

// Pusher uploads local artifacts the server does not already hold.
type Pusher struct {
	api   API
	log   zerolog.Logger
	key   string
	codec Codec
}

// NewPusher creates a Pusher. key is the machine group key sent with
// catalogs.
func NewPusher(log zerolog.Logger, api API, key string, codec Codec) *Pusher {
	return &Pusher{
		api:   api,
		key:   key,
		codec: codec,
		log:   log,
	}
}

// Inventory uploads the application inventory at path unless the server
// already has content with the same hash.
func (p *Pusher) Inventory(ctx context.Context, serial, path string) (SyncDecision, error) {
	decision := SyncDecision{Name: filepath.Base(path), Action: ActionNone}
	if serial == "" {
		return decision, errors.New("no serial number, cannot sync inventory")
	}

	local, err := HashFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			p.log.Debug().Str("path", path).Msg("No inventory to sync")
			return decision, nil
		}
		return decision, err
	}
	decision.LocalHash = local

	resp, err := p.api.Get(ctx, "inventory/hash/"+serial)
	if err != nil {
		return decision, fmt.Errorf("failed to fetch inventory hash: %w", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		if err := p.api.Check(client.EndpointInventory, resp); err != nil {
			return decision, err
		}
		decision.RemoteHash = strings.Trim(strings.TrimSpace(string(resp.Body)), `"`)
	}

	decision.Action = DecidePush(local, decision.RemoteHash)
	if decision.Action == ActionNone {
		p.log.Debug().Str("hash", local).Msg("Inventory unchanged on server")
		return decision, nil
	}

	encoded, err := p.encodeFile(path)
	if err != nil {
		return decision, err
	}
	resp, err = p.api.Post(ctx, "inventory/submit", map[string]string{
		"serial":      serial,
		"compression": string(p.codec),
		"inventory":   encoded,
	})
	if err != nil {
		return decision, fmt.Errorf("failed to submit inventory: %w", err)
	}
	if err := p.api.Check(client.EndpointInventory, resp); err != nil {
		return decision, err
	}
	p.log.Info().Str("serial", serial).Msg("Submitted inventory")
	return decision, nil
}

type catalogHash struct {
	Name       string `json:"name"`
	SHA256Hash string `json:"sha256hash"`
}

// Catalogs uploads every catalog in dir whose name and hash the server does
// not report holding. Each catalog is uploaded from its own file.
func (p *Pusher) Catalogs(ctx context.Context, dir string) ([]SyncDecision, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			p.log.Debug().Str("dir", dir).Msg("No catalogs to sync")
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list catalogs: %w", err)
	}

	var local []catalogHash
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		hash, err := HashFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			p.log.Warn().Err(err).Str("catalog", entry.Name()).Msg("Could not hash catalog")
			continue
		}
		local = append(local, catalogHash{Name: entry.Name(), SHA256Hash: hash})
	}
	if len(local) == 0 {
		return nil, nil
	}

	resp, err := p.api.Post(ctx, "catalog/hash", map[string]any{
		"key":      p.key,
		"catalogs": local,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch catalog hashes: %w", err)
	}
	if err := p.api.Check(client.EndpointCatalog, resp); err != nil {
		return nil, err
	}
	var remote []catalogHash
	if len(strings.TrimSpace(string(resp.Body))) > 0 {
		if err := json.Unmarshal(resp.Body, &remote); err != nil {
			return nil, fmt.Errorf("failed to parse catalog hashes: %w", err)
		}
	}
	remoteByName := make(map[string]string, len(remote))
	for _, c := range remote {
		remoteByName[c.Name] = c.SHA256Hash
	}

	decisions := make([]SyncDecision, 0, len(local))
	var errs []error
	for _, c := range local {
		decision := SyncDecision{
			Name:       c.Name,
			LocalHash:  c.SHA256Hash,
			RemoteHash: remoteByName[c.Name],
		}
		decision.Action = DecidePush(decision.LocalHash, decision.RemoteHash)
		decisions = append(decisions, decision)
		if decision.Action == ActionNone {
			continue
		}
		if err := p.submitCatalog(ctx, dir, c); err != nil {
			p.log.Warn().Err(err).Str("catalog", c.Name).Msg("Failed to submit catalog")
			errs = append(errs, err)
		}
	}
	return decisions, errors.Join(errs...)
}

func (p *Pusher) submitCatalog(ctx context.Context, dir string, c catalogHash) error {
	encoded, err := p.encodeFile(filepath.Join(dir, c.Name))
	if err != nil {
		return err
	}
	resp, err := p.api.Post(ctx, "catalog/submit", map[string]string{
		"key":         p.key,
		"name":        c.Name,
		"sha256hash":  c.SHA256Hash,
		"compression": string(p.codec),
		"catalog":     encoded,
	})
	if err != nil {
		return fmt.Errorf("failed to submit catalog %s: %w", c.Name, err)
	}
	if err := p.api.Check(client.EndpointCatalog, resp); err != nil {
		return err
	}
	p.log.Debug().Str("catalog", c.Name).Msg("Submitted catalog")
	return nil
}

// Profiles uploads the installed profiles at path, stripped to their payload
// identifiers.
func (p *Pusher) Profiles(ctx context.Context, serial, path string) (SyncDecision, error) {
	decision := SyncDecision{Name: filepath.Base(path), Action: ActionNone}
	if serial == "" {
		return decision, errors.New("no serial number, cannot sync profiles")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			p.log.Debug().Str("path", path).Msg("No profiles to sync")
			return decision, nil
		}
		return decision, fmt.Errorf("failed to read profiles: %w", err)
	}
	stripped, err := StripProfiles(data)
	if err != nil {
		return decision, err
	}
	decision.LocalHash = HashBytes(stripped)
	decision.Action = ActionUpload

	encoded, err := Encode(stripped, p.codec)
	if err != nil {
		return decision, err
	}
	resp, err := p.api.Post(ctx, "profiles/submit", map[string]string{
		"serial":      serial,
		"compression": string(p.codec),
		"profiles":    encoded,
	})
	if err != nil {
		return decision, fmt.Errorf("failed to submit profiles: %w", err)
	}
	if err := p.api.Check(client.EndpointProfiles, resp); err != nil {
		return decision, err
	}
	p.log.Info().Str("serial", serial).Msg("Submitted profiles")
	return decision, nil
}

// StripProfiles removes every payload field except the identifier, UUID and
// type from each profile's payload items.
func StripProfiles(data []byte) ([]byte, error) {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse profiles: %w", err)
	}
	for _, profiles := range doc {
		list, ok := profiles.([]any)
		if !ok {
			continue
		}
		for _, raw := range list {
			profile, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			items, ok := profile["ProfileItems"].([]any)
			if !ok {
				continue
			}
			for i, rawItem := range items {
				item, ok := rawItem.(map[string]any)
				if !ok {
					continue
				}
				kept := make(map[string]any, len(profilePayloadKeys))
				for _, key := range profilePayloadKeys {
					if v, ok := item[key]; ok {
						kept[key] = v
					}
				}
				items[i] = kept
			}
		}
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal profiles: %w", err)
	}
	return out, nil
}

func (p *Pusher) encodeFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	return Encode(data, p.codec)
}

// Summary counts decisions by action.
func Summary(decisions []SyncDecision) map[Action]int {
	out := make(map[Action]int)
	for _, d := range decisions {
		out[d.Action]++
	}
	return out
}
