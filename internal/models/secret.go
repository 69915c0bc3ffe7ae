package models

import "regexp"

// SecretKeyPattern is the validity pattern for a Server Secret's key_name.
var SecretKeyPattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// ServerSecret is a per-server encrypted string, never returned on read.
type ServerSecret struct {
	ServerID   string
	KeyName    string
	Ciphertext []byte
	IV         []byte // 96-bit random nonce
	HasValue   bool
}

// SecretAAD builds the additional authenticated data binding a ciphertext
// to exactly one (server, key) slot, so it cannot be replayed elsewhere.
func SecretAAD(serverID, keyName string) []byte {
	return []byte("server_secret:" + serverID + ":" + keyName)
}
