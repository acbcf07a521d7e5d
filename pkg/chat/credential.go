package chat

// CredentialSource supplies the current bearer credential for the socket
// connection. The credential may be refreshed or invalidated outside this
// package; the session fetches a fresh one on every connect attempt.
type CredentialSource interface {
	// Credential returns the current bearer token, or ok=false when no
	// credential is available (logged out, refresh failed).
	Credential() (token string, ok bool)
}

// StaticCredential is a CredentialSource backed by a fixed token. An empty
// token reads as "no credential available".
type StaticCredential string

func (s StaticCredential) Credential() (string, bool) {
	return string(s), s != ""
}
