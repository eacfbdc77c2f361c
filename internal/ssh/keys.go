package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

// EnsureIdentity makes sure an SSH identity exists at keyPath and returns its
// public half in authorized_keys format (without trailing newline).
//
// A missing key is generated as ed25519 and written to keyPath (0600) and
// keyPath.pub (0644). An existing key is reused as-is.
func EnsureIdentity(keyPath, comment string) (string, error) {
	data, err := os.ReadFile(keyPath)
	if err == nil {
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return "", fmt.Errorf("failed to parse identity %s: %w", keyPath, err)
		}
		return authorizedKey(signer.PublicKey(), comment), nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("failed to read identity %s: %w", keyPath, err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("failed to generate identity: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return "", fmt.Errorf("failed to encode identity: %w", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to encode public key: %w", err)
	}
	line := authorizedKey(sshPub, comment)

	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return "", fmt.Errorf("failed to create identity directory: %w", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0600); err != nil {
		return "", fmt.Errorf("failed to write identity %s: %w", keyPath, err)
	}
	if err := os.WriteFile(keyPath+".pub", []byte(line+"\n"), 0644); err != nil {
		return "", fmt.Errorf("failed to write public key %s.pub: %w", keyPath, err)
	}
	return line, nil
}

func authorizedKey(pub ssh.PublicKey, comment string) string {
	line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(pub)))
	if comment != "" {
		line += " " + comment
	}
	return line
}
