package domain

import "time"

// CredentialAuthKind enumerates supported Git authentication mechanisms.
const (
	AuthKindToken  = "token"
	AuthKindSSHKey = "ssh_key"
)

// GitCredential stores an encrypted secret for cloning private repositories.
// Secret holds the AES-GCM blob; plaintext is only materialized through the
// credential service's decrypt callback for the duration of a clone.
type GitCredential struct {
	ID        int64
	OwnerID   string
	Name      string
	Provider  string
	AuthKind  string
	Username  string
	Secret    []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ClonePlaintext is a decrypted credential handed to the git fetcher. It is
// never persisted.
type ClonePlaintext struct {
	AuthKind string
	Username string
	Secret   string
}
