package storage

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/user"
	"strings"
	"sync"
)

const qemuConf = "/etc/libvirt/qemu.conf"

var (
	qemuOnce sync.Once
	qemuUID  string
	qemuGID  string
	qemuErr  error
)

// GetQEMUUserGroup returns the UID and GID the QEMU process runs as, so new
// pools are owned by it. It checks qemu.conf, then the usual account names,
// and finally falls back to 107/107 with an error describing the guess.
// The result is cached.
func GetQEMUUserGroup() (uid, gid string, err error) {
	qemuOnce.Do(func() {
		username, groupname := readQEMUConf()
		qemuUID, qemuGID, qemuErr = resolveQEMUUser(username, groupname, user.Lookup, user.LookupGroup)
	})
	return qemuUID, qemuGID, qemuErr
}

func readQEMUConf() (string, string) {
	f, err := os.Open(qemuConf)
	if err != nil {
		return "", ""
	}
	defer f.Close()
	return parseQEMUConf(f)
}

func resolveQEMUUser(
	username, groupname string,
	lookupUser func(string) (*user.User, error),
	lookupGroup func(string) (*user.Group, error),
) (string, string, error) {
	candidates := []string{"qemu", "libvirt-qemu"}
	if username != "" {
		candidates = append([]string{username}, candidates...)
	}

	for i, name := range candidates {
		u, err := lookupUser(name)
		if err != nil {
			continue
		}
		gid := u.Gid
		// only the configured user honours the configured group
		if i == 0 && username != "" && groupname != "" {
			if g, err := lookupGroup(groupname); err == nil {
				gid = g.Gid
			}
		}
		return u.Uid, gid, nil
	}
	return "107", "107", fmt.Errorf("could not determine QEMU user/group, using fallback UID/GID 107")
}

// parseQEMUConf extracts the user and group settings from qemu.conf.
func parseQEMUConf(r io.Reader) (username, groupname string) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		switch strings.TrimSpace(key) {
		case "user":
			username = value
		case "group":
			groupname = value
		}
	}
	return username, groupname
}
