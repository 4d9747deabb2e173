package transport

import (
	"context"
	"encoding/json"
)

// CredentialCallbacks proxies the three worker→client request kinds a Sync
// Runner needs from whichever client is the current database host: fetching
// credentials, reporting them invalid, and uploading a CRUD batch. Each
// method issues a request over the client's Channel and awaits the reply,
// exactly as if the runner were calling a local function.
type CredentialCallbacks struct {
	ch *Channel
}

// NewCredentialCallbacks wraps ch's request path as the callback surface a
// streaming-sync engine expects from its host client.
func NewCredentialCallbacks(ch *Channel) *CredentialCallbacks {
	return &CredentialCallbacks{ch: ch}
}

// Credentials asks the host client for its current credentials record. The
// shape of the record is opaque to this package; callers unmarshal payload
// themselves.
func (p *CredentialCallbacks) Credentials(ctx context.Context) (json.RawMessage, error) {
	return p.ch.Request(ctx, KindCredentialsCallback, nil)
}

// InvalidCredentials tells the host client that the credentials it last
// supplied were rejected.
func (p *CredentialCallbacks) InvalidCredentials(ctx context.Context) error {
	_, err := p.ch.Request(ctx, KindInvalidCredentialsCallback, nil)
	return err
}

// UploadCrud asks the host client to upload a pending batch of local writes.
func (p *CredentialCallbacks) UploadCrud(ctx context.Context) error {
	_, err := p.ch.Request(ctx, KindUploadCrud, nil)
	return err
}
