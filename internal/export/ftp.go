package export

import (
	"context"
	"io"
	"net"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// FTPConfig is the delivery target for run files.
type FTPConfig struct {
	// URL is ftp://host[:port]/dir; the directory is created when missing.
	URL      string        `mapstructure:"url" yaml:"url"`
	User     string        `mapstructure:"user" yaml:"user"`
	Password string        `mapstructure:"password" yaml:"-"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// Enabled reports whether delivery is configured.
func (c FTPConfig) Enabled() bool { return c.URL != "" }

// ftpConn is the subset of *ftp.ServerConn used for uploads.
type ftpConn interface {
	Login(user, password string) error
	MakeDir(path string) error
	ChangeDir(path string) error
	Stor(path string, r io.Reader) error
	Quit() error
}

var dialFTP = func(ctx context.Context, addr string, timeout time.Duration) (ftpConn, error) {
	return ftp.Dial(addr, ftp.DialWithTimeout(timeout), ftp.DialWithContext(ctx))
}

// parseFTPTarget extracts host (with port) and directory from an FTP URL.
func parseFTPTarget(rawURL string) (host, dir string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", eris.Wrap(err, "parse ftp url")
	}
	if u.Scheme != "ftp" {
		return "", "", eris.Errorf("expected ftp scheme, got %q", u.Scheme)
	}
	if u.Host == "" {
		return "", "", eris.New("ftp url has no host")
	}

	host = u.Host
	if _, _, splitErr := net.SplitHostPort(host); splitErr != nil {
		host = net.JoinHostPort(host, "21")
	}
	dir = u.Path
	if dir == "" {
		dir = "/"
	}
	return host, dir, nil
}

// Deliver uploads files to the configured FTP directory under runID.
// Anonymous login is used when no user is set.
func Deliver(ctx context.Context, cfg FTPConfig, runID string, files []string) error {
	host, dir, err := parseFTPTarget(cfg.URL)
	if err != nil {
		return err
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	user, pass := cfg.User, cfg.Password
	if user == "" {
		user, pass = "anonymous", "anonymous@"
	}

	zap.L().Debug("ftp: connecting", zap.String("host", host), zap.String("dir", dir))
	conn, err := dialFTP(ctx, host, cfg.Timeout)
	if err != nil {
		return eris.Wrap(err, "ftp dial")
	}
	defer conn.Quit() //nolint:errcheck

	if err := conn.Login(user, pass); err != nil {
		return eris.Wrap(err, "ftp login")
	}

	target := path.Join(dir, runID)
	if err := changeOrMakeDir(conn, target); err != nil {
		return err
	}

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "ftp: delivery cancelled")
		}
		if err := storFile(conn, f); err != nil {
			return err
		}
		zap.L().Info("ftp: delivered", zap.String("file", filepath.Base(f)), zap.String("dir", target))
	}
	return nil
}

// changeOrMakeDir walks into target one segment at a time, creating missing
// segments.
func changeOrMakeDir(conn ftpConn, target string) error {
	if strings.HasPrefix(target, "/") {
		if err := conn.ChangeDir("/"); err != nil {
			return eris.Wrap(err, "ftp cwd /")
		}
	}
	for _, seg := range strings.Split(strings.Trim(target, "/"), "/") {
		if seg == "" {
			continue
		}
		if err := conn.ChangeDir(seg); err == nil {
			continue
		}
		if err := conn.MakeDir(seg); err != nil {
			return eris.Wrapf(err, "ftp mkdir %s", seg)
		}
		if err := conn.ChangeDir(seg); err != nil {
			return eris.Wrapf(err, "ftp cwd %s", seg)
		}
	}
	return nil
}

func storFile(conn ftpConn, local string) error {
	f, err := os.Open(local)
	if err != nil {
		return eris.Wrap(err, "ftp: open local file")
	}
	defer f.Close() //nolint:errcheck
	return eris.Wrapf(conn.Stor(filepath.Base(local), f), "ftp stor %s", filepath.Base(local))
}
