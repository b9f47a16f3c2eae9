// Package keyvault is the backup side channel for path secrets: an
// attested out-of-band store a node can ship newly created secrets to, and
// ask for secrets its own local state has lost (after a restart that
// missed intermediate epochs).
package keyvault

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/stateruntime/staterund/internal/errs"
	"github.com/stateruntime/staterund/internal/pathsecret"
)

// Client backs both treekem.Recovery and pathsecret.Backup.
type Client interface {
	Recover(ctx context.Context, rosterIdx uint32, epoch uint32) (pathsecret.Exportable, error)
	Backup(ctx context.Context, rosterIdx uint32, eps pathsecret.Exportable) error
}

// Disabled is the default Client: it always reports the secret not found
// and accepts backups as a no-op. Per the design notes, callers that don't
// configure a key vault get this rather than a nil interface or a feature
// toggle.
type Disabled struct{}

func (Disabled) Recover(_ context.Context, _ uint32, _ uint32) (pathsecret.Exportable, error) {
	return pathsecret.Exportable{}, errs.NewNotFound("key vault not configured")
}

func (Disabled) Backup(_ context.Context, _ uint32, _ pathsecret.Exportable) error {
	return nil
}

// backupRequest and recoverResponse mirror the wire shapes of the key
// vault's HTTP surface: a roster index, an epoch, and the raw secret bytes.
type backupRequest struct {
	RosterIdx uint32 `json:"roster_idx"`
	Epoch     uint32 `json:"epoch"`
	Raw       []byte `json:"raw"`
}

type recoverResponse struct {
	Epoch uint32 `json:"epoch"`
	Raw   []byte `json:"raw"`
}

// HTTPClient talks to a key vault over an attested TLS channel (TLS
// termination and attestation verification are configured on the
// *http.Client's Transport by the caller; this type only speaks the wire
// protocol).
type HTTPClient struct {
	BaseURL    string
	SubKey     string
	SPID       string
	httpClient *http.Client
}

// NewHTTPClient builds a key vault client against baseURL, authenticating
// every request with subKey and spid (KEY_VAULT_ENDPOINT_FOR_STATE_RUNTIME,
// SUB_KEY, and SPID from the environment configuration).
func NewHTTPClient(baseURL, subKey, spid string) *HTTPClient {
	return &HTTPClient{
		BaseURL: baseURL,
		SubKey:  subKey,
		SPID:    spid,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *HTTPClient) Recover(ctx context.Context, rosterIdx uint32, epoch uint32) (pathsecret.Exportable, error) {
	url := fmt.Sprintf("%s/path_secrets/%d/%d", c.BaseURL, rosterIdx, epoch)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return pathsecret.Exportable{}, fmt.Errorf("keyvault: build recover request: %w", err)
	}
	c.setAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return pathsecret.Exportable{}, errs.NewNotFound(fmt.Sprintf("key vault unreachable: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return pathsecret.Exportable{}, errs.NewNotFound("path secret not held by key vault")
	}
	if resp.StatusCode != http.StatusOK {
		return pathsecret.Exportable{}, fmt.Errorf("keyvault: recover status %d", resp.StatusCode)
	}

	var body recoverResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return pathsecret.Exportable{}, fmt.Errorf("keyvault: decode recover response: %w", err)
	}
	return pathsecret.Exportable{
		Raw:   body.Raw,
		Epoch: body.Epoch,
		ID:    pathsecret.DeriveID(body.Raw, body.Epoch),
	}, nil
}

func (c *HTTPClient) Backup(ctx context.Context, rosterIdx uint32, eps pathsecret.Exportable) error {
	payload, err := json.Marshal(backupRequest{RosterIdx: rosterIdx, Epoch: eps.Epoch, Raw: eps.Raw})
	if err != nil {
		return fmt.Errorf("keyvault: encode backup request: %w", err)
	}

	url := fmt.Sprintf("%s/path_secrets", c.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("keyvault: build backup request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("keyvault: backup request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("keyvault: backup status %d", resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) setAuth(req *http.Request) {
	req.Header.Set("Ocp-Apim-Subscription-Key", c.SubKey)
	req.Header.Set("X-SPID", c.SPID)
}

// BackupAdapter satisfies pathsecret.Backup (which has no context
// parameter, since it's invoked synchronously from inside Store.Save) by
// giving each call a bounded background context.
type BackupAdapter struct {
	Client Client
}

func (a BackupAdapter) Send(rosterIdx uint32, eps pathsecret.Exportable) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return a.Client.Backup(ctx, rosterIdx, eps)
}
