package ssh

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/pkg/sftp"

	"github.com/jbweber/baker/api/v1alpha1"
)

// CopyFiles copies each local source into the remote directory dest.
//
// Files land as dest/<basename>; directories are copied recursively as
// dest/<basename>/... A relative dest is resolved against the remote user's
// home directory. File modes are preserved.
func (c *Client) CopyFiles(ctx context.Context, sources []string, dest string, cfg v1alpha1.SSHConfig) error {
	client, err := c.dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	sc, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("failed to start sftp on %s: %w", cfg.Address(), err)
	}
	defer sc.Close()

	remoteDir, err := resolveRemote(sc, dest)
	if err != nil {
		return err
	}
	if err := sc.MkdirAll(remoteDir); err != nil {
		return fmt.Errorf("failed to create remote directory %s: %w", remoteDir, err)
	}

	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.copyTree(ctx, sc, src, path.Join(remoteDir, filepath.Base(src))); err != nil {
			return err
		}
	}
	return nil
}

// WriteFile writes data to the remote path with the given mode, creating
// parent directories. A relative path is resolved against the remote home.
func (c *Client) WriteFile(ctx context.Context, data []byte, remotePath string, mode fs.FileMode, cfg v1alpha1.SSHConfig) error {
	client, err := c.dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	sc, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("failed to start sftp on %s: %w", cfg.Address(), err)
	}
	defer sc.Close()

	target, err := resolveRemote(sc, remotePath)
	if err != nil {
		return err
	}
	if err := sc.MkdirAll(path.Dir(target)); err != nil {
		return fmt.Errorf("failed to create remote directory %s: %w", path.Dir(target), err)
	}

	f, err := sc.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("failed to create remote file %s: %w", target, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write remote file %s: %w", target, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close remote file %s: %w", target, err)
	}
	if err := sc.Chmod(target, mode); err != nil {
		return fmt.Errorf("failed to chmod remote file %s: %w", target, err)
	}
	return nil
}

func resolveRemote(sc *sftp.Client, p string) (string, error) {
	if path.IsAbs(p) {
		return path.Clean(p), nil
	}
	home, err := sc.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to resolve remote home directory: %w", err)
	}
	return path.Join(home, p), nil
}

func (c *Client) copyTree(ctx context.Context, sc *sftp.Client, src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", src, err)
	}
	if !info.IsDir() {
		return c.uploadFile(sc, src, dst, info.Mode().Perm())
	}

	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := path.Join(dst, filepath.ToSlash(rel))
		if d.IsDir() {
			if err := sc.MkdirAll(target); err != nil {
				return fmt.Errorf("failed to create remote directory %s: %w", target, err)
			}
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		if !fi.Mode().IsRegular() {
			c.log.Debugf("Skipping non-regular file %s", p)
			return nil
		}
		return c.uploadFile(sc, p, target, fi.Mode().Perm())
	})
}

func (c *Client) uploadFile(sc *sftp.Client, src, dst string, mode fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := sc.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("failed to create remote file %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to upload %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close remote file %s: %w", dst, err)
	}
	if err := sc.Chmod(dst, mode); err != nil {
		return fmt.Errorf("failed to chmod remote file %s: %w", dst, err)
	}
	c.log.Debugf("Uploaded %s -> %s", src, dst)
	return nil
}
