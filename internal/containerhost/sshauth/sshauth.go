// Package sshauth issues certificate-authority-signed SSH host and user
// certificates so the host can exec into an instance's container over SSH
// without trust-on-first-use prompts. A host certificate authority signs
// each container's ephemeral host key at creation time; a user certificate
// authority signs a single long-lived operator identity. Both CAs, plus
// the operator's identity and the ~/.ssh/config Include line, are
// maintained under ~/.config/tickbox.
package sshauth

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/kevinburke/ssh_config"
	"golang.org/x/crypto/ssh"
)

// Keys is the set of SSH keys and certificates installed into a newly
// created instance container.
type Keys struct {
	HostKey     []byte // host private key
	HostKeyPub  []byte // host public key
	HostKeyCert []byte // host key certificate
	UserCAPub   []byte // public key for the user certificate authority
}

// Authority holds the host and user certificate authorities and issues
// per-container host certificates on demand.
type Authority struct {
	domain string

	knownHostsPath   string
	userIdentityPath string

	hostCA          ssh.Signer
	hostCAPublicKey ssh.PublicKey

	userCAPath      string
	userCertPath    string
	userCertificate []byte
	userCA          ssh.Signer
	userCAPublicKey ssh.PublicKey

	fs FileSystem
	kg KeyGenerator
}

// New sets up (or loads) the host and user certificate authorities under
// ~/.config/tickbox, and ensures the operator's SSH config trusts them.
func New(ctx context.Context, domain string) (*Authority, error) {
	return newWithDeps(ctx, domain, &RealFileSystem{}, &RealKeyGenerator{})
}

func newWithDeps(ctx context.Context, domain string, fsys FileSystem, kg KeyGenerator) (*Authority, error) {
	base := filepath.Join(os.Getenv("HOME"), ".config", "tickbox")
	if _, err := fsys.Stat(base); err != nil {
		if err := fsys.MkdirAll(base, 0o777); err != nil {
			return nil, fmt.Errorf("couldn't create %s: %w", base, err)
		}
	}

	a := &Authority{
		domain:           domain,
		knownHostsPath:   filepath.Join(base, "known_hosts"),
		userIdentityPath: filepath.Join(base, "user_key"),
		userCAPath:       filepath.Join(base, "user_ca"),
		userCertPath:     filepath.Join(base, "user_cert"),
		fs:               fsys,
		kg:               kg,
	}

	hostCAPath := filepath.Join(base, "host_ca")

	userCASigner, userCAPublicKey, err := a.getOrCreateCA(a.userCAPath)
	if err != nil {
		return nil, fmt.Errorf("couldn't get user CA from %s: %w", a.userCAPath, err)
	}
	a.userCA = userCASigner
	a.userCAPublicKey = userCAPublicKey

	userPubKey, _, err := a.getOrCreateKeyPair(a.userIdentityPath)
	if err != nil {
		return nil, fmt.Errorf("couldn't create user identity from %s: %w", a.userIdentityPath, err)
	}

	userCert, err := a.issueUserCertificate(userPubKey)
	if err != nil {
		return nil, fmt.Errorf("couldn't issue user cert: %w", err)
	}
	a.userCertificate = userCert.Marshal()
	a.writeKeyToFile(ssh.MarshalAuthorizedKey(userCert), a.userIdentityPath+"-cert.pub")

	if err := writeTickboxSSHConfig(a.fs, domain); err != nil {
		return nil, fmt.Errorf("writeTickboxSSHConfig: %w", err)
	}

	hostCASigner, hostCAPublicKey, err := a.getOrCreateCA(hostCAPath)
	if err != nil {
		return nil, fmt.Errorf("couldn't get host CA from %s: %w", hostCAPath, err)
	}
	a.hostCA = hostCASigner
	a.hostCAPublicKey = hostCAPublicKey
	if err := a.addHostCAToKnownHosts(); err != nil {
		return nil, fmt.Errorf("addHostCAToKnownHosts: %w", err)
	}

	return a, nil
}

// IssueHostKeys generates a fresh host keypair and signs it as hostName,
// returning everything the container's sshd needs to present a trusted
// identity.
func (a *Authority) IssueHostKeys(hostName string) (*Keys, error) {
	privateKey, publicKey, err := a.kg.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("error generating key pair: %w", err)
	}

	hostPubKey, err := a.kg.ConvertToSSHPublicKey(publicKey)
	if err != nil {
		return nil, fmt.Errorf("error converting to SSH public key: %w", err)
	}

	hostCert, err := a.issueHostCertificate(hostName, hostPubKey)
	if err != nil {
		return nil, fmt.Errorf("couldn't issue host cert: %w", err)
	}

	return &Keys{
		HostKey:     encodePrivateKeyToPEM(privateKey),
		HostKeyPub:  ssh.MarshalAuthorizedKey(hostPubKey),
		HostKeyCert: ssh.MarshalAuthorizedKey(hostCert),
		UserCAPub:   ssh.MarshalAuthorizedKey(a.userCAPublicKey),
	}, nil
}

func (a *Authority) writeKeyToFile(keyBytes []byte, filename string) error {
	return a.fs.WriteFile(filename, keyBytes, 0o600)
}

func (a *Authority) getOrCreateKeyPair(idPath string) (ssh.PublicKey, []byte, error) {
	if _, err := a.fs.Stat(idPath); err == nil {
		pubkeyBytes, err := a.fs.ReadFile(idPath + ".pub")
		if err != nil {
			return nil, nil, fmt.Errorf("reading public key from %s: %w", idPath+".pub", err)
		}
		pubkey, _, _, _, err := ssh.ParseAuthorizedKey(pubkeyBytes)
		if err != nil {
			return nil, nil, fmt.Errorf("parsing public key from %s: %w", idPath+".pub", err)
		}
		privateKeyBytes, err := a.fs.ReadFile(idPath)
		if err != nil {
			return nil, nil, fmt.Errorf("reading private key from %s: %w", idPath, err)
		}
		return pubkey, privateKeyBytes, nil
	}

	privateKey, publicKey, err := a.kg.GenerateKeyPair()
	if err != nil {
		return nil, nil, fmt.Errorf("error generating key pair: %w", err)
	}
	sshPublicKey, err := a.kg.ConvertToSSHPublicKey(publicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("error converting to SSH public key: %w", err)
	}
	privateKeyPEM := encodePrivateKeyToPEM(privateKey)

	if err := a.writeKeyToFile(privateKeyPEM, idPath); err != nil {
		return nil, nil, fmt.Errorf("error writing private key to file: %w", err)
	}
	if err := a.writeKeyToFile(ssh.MarshalAuthorizedKey(sshPublicKey), idPath+".pub"); err != nil {
		return nil, nil, fmt.Errorf("error writing public key to file: %w", err)
	}
	return sshPublicKey, privateKeyPEM, nil
}

func (a *Authority) issueHostCertificate(hostName string, certPub ssh.PublicKey) (*ssh.Certificate, error) {
	cert := &ssh.Certificate{
		Key:             certPub,
		Serial:          1,
		CertType:        ssh.HostCert,
		KeyId:           hostName + " host key",
		ValidPrincipals: []string{hostName},
		ValidAfter:      uint64(time.Now().Add(-24 * time.Hour).Unix()),
		ValidBefore:     uint64(time.Now().Add(720 * time.Hour).Unix()),
		Permissions: ssh.Permissions{
			Extensions: map[string]string{
				"permit-pty":              "",
				"permit-agent-forwarding": "",
				"permit-port-forwarding":  "",
			},
		},
	}
	if err := cert.SignCert(rand.Reader, a.hostCA); err != nil {
		return nil, fmt.Errorf("signing host certificate: %w", err)
	}
	return cert, nil
}

func (a *Authority) issueUserCertificate(certPub ssh.PublicKey) (*ssh.Certificate, error) {
	cert := &ssh.Certificate{
		Key:             certPub,
		Serial:          1,
		CertType:        ssh.UserCert,
		KeyId:           "tickbox-operator",
		ValidPrincipals: []string{"root"},
		ValidAfter:      uint64(time.Now().Add(-24 * time.Hour).Unix()),
		ValidBefore:     uint64(time.Now().Add(720 * time.Hour).Unix()),
		Permissions: ssh.Permissions{
			Extensions: map[string]string{
				"permit-pty":              "",
				"permit-agent-forwarding": "",
				"permit-port-forwarding":  "",
			},
		},
	}
	if err := cert.SignCert(rand.Reader, a.userCA); err != nil {
		return nil, fmt.Errorf("signing user certificate: %w", err)
	}
	return cert, nil
}

func (a *Authority) getOrCreateCA(path string) (ssh.Signer, ssh.PublicKey, error) {
	if _, err := a.fs.Stat(path); err == nil {
		caPrivKeyPEM, err := a.fs.ReadFile(path)
		if err != nil {
			return nil, nil, fmt.Errorf("reading CA file %s: %w", path, err)
		}
		privKey, err := ssh.ParsePrivateKey(caPrivKeyPEM)
		if err != nil {
			return nil, nil, err
		}
		return privKey, privKey.PublicKey(), nil
	}

	pri, pub, err := a.kg.GenerateKeyPair()
	if err != nil {
		return nil, nil, fmt.Errorf("generating key pair: %w", err)
	}
	caPublicKey, err := a.kg.ConvertToSSHPublicKey(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("converting to ssh public key: %w", err)
	}
	if err := a.writeKeyToFile(ssh.MarshalAuthorizedKey(caPublicKey), path+".pub"); err != nil {
		return nil, nil, fmt.Errorf("writing CA public key to file: %w", err)
	}
	caPrivKeyPEM := encodePrivateKeyToPEM(pri)
	if err := a.writeKeyToFile(caPrivKeyPEM, path); err != nil {
		return nil, nil, fmt.Errorf("writing CA private key to file: %w", err)
	}
	caSigner, err := ssh.NewSignerFromKey(pri)
	if err != nil {
		return nil, nil, fmt.Errorf("creating CA signer from private key: %w", err)
	}
	return caSigner, caPublicKey, nil
}

func (a *Authority) addHostCAToKnownHosts() error {
	var caPublicKeyLine string
	if a.hostCAPublicKey != nil {
		caLine := "@cert-authority *." + a.domain + " " + string(ssh.MarshalAuthorizedKey(a.hostCAPublicKey))
		caPublicKeyLine = strings.TrimSpace(caLine)
	}

	var outputLines []string
	existingContent, err := a.fs.ReadFile(a.knownHostsPath)
	if err == nil {
		scanner := bufio.NewScanner(bytes.NewReader(existingContent))
		for scanner.Scan() {
			line := scanner.Text()
			if caPublicKeyLine != "" && strings.HasPrefix(line, "@cert-authority * ") {
				continue
			}
			outputLines = append(outputLines, line)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("couldn't read known_hosts file: %w", err)
	}

	if caPublicKeyLine != "" {
		outputLines = append(outputLines, caPublicKeyLine)
	}

	if err := a.fs.SafeWriteFile(a.knownHostsPath, []byte(strings.Join(outputLines, "\n")), 0o644); err != nil {
		return fmt.Errorf("couldn't safely write updated known_hosts to %s: %w", a.knownHostsPath, err)
	}
	return nil
}

func checkSSHHostResolve(ctx context.Context, hostname string) error {
	cmd := exec.CommandContext(ctx, "ssh", "-o", "BatchMode=yes", "-o", "ConnectTimeout=5", hostname)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, string(out))
	}
	return nil
}

// CheckForInclude verifies ~/.ssh/config has the Include line for
// tickbox's generated ssh_config, adding it if missing.
func CheckForInclude(ctx context.Context, fsys FileSystem) (func() error, error) {
	tickboxSSHPathInclude := "Include " + filepath.Join(os.Getenv("HOME"), ".config", "tickbox", "ssh_config")
	defaultSSHPath := filepath.Join(os.Getenv("HOME"), ".ssh", "config")

	existingContent, err := fsys.ReadFile(defaultSSHPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fsys.SafeWriteFile(defaultSSHPath, []byte(tickboxSSHPathInclude+"\n"), 0o644)
		}
		return nil, fmt.Errorf("cannot open SSH config file %s: %w", defaultSSHPath, err)
	}

	cfg, err := ssh_config.Decode(bytes.NewReader(existingContent))
	if err != nil {
		return nil, fmt.Errorf("couldn't decode ssh_config: %w", err)
	}

	var includePos *ssh_config.Position
	var firstNonIncludePos *ssh_config.Position
	for _, host := range cfg.Hosts {
		for _, node := range host.Nodes {
			if inc, ok := node.(*ssh_config.Include); ok {
				if strings.TrimSpace(inc.String()) == tickboxSSHPathInclude {
					pos := inc.Pos()
					includePos = &pos
				}
			} else if firstNonIncludePos == nil && !strings.HasPrefix(strings.TrimSpace(node.String()), "#") {
				pos := node.Pos()
				firstNonIncludePos = &pos
			}
		}
	}

	if includePos == nil {
		return func() error {
			return modifySSHConfig(cfg, tickboxSSHPathInclude, fsys, defaultSSHPath)
		}, nil
	}

	if firstNonIncludePos != nil && firstNonIncludePos.Line < includePos.Line {
		slog.WarnContext(ctx, "ssh include line appears after host entries, ssh may not trust tickbox containers",
			"line", includePos.Line, "path", defaultSSHPath)
	}
	return nil, nil
}

func writeTickboxSSHConfig(fsys FileSystem, domain string) error {
	base := filepath.Join(os.Getenv("HOME"), ".config", "tickbox")
	identityPath := filepath.Join(base, "user_key")
	sshConfigPath := filepath.Join(base, "ssh_config")
	knownHostsPath := filepath.Join(base, "known_hosts")

	hostPattern, err := ssh_config.NewPattern("*." + domain)
	if err != nil {
		return err
	}
	cfg := &ssh_config.Config{
		Hosts: []*ssh_config.Host{
			{
				Patterns: []*ssh_config.Pattern{hostPattern},
				Nodes: []ssh_config.Node{
					&ssh_config.KV{Key: "IdentityFile", Value: identityPath},
					&ssh_config.KV{Key: "UserKnownHostsFile", Value: knownHostsPath},
					&ssh_config.KV{Key: "CanonicalizeHostname", Value: "yes"},
					&ssh_config.KV{Key: "CanonicalDomains", Value: domain},
				},
			},
		},
	}

	cfgBytes, err := cfg.MarshalText()
	if err != nil {
		return fmt.Errorf("couldn't marshal ssh_config: %w", err)
	}
	if err := fsys.SafeWriteFile(sshConfigPath, cfgBytes, 0o644); err != nil {
		return fmt.Errorf("couldn't safely write ssh_config: %w", err)
	}
	return nil
}

func modifySSHConfig(cfg *ssh_config.Config, includeLine string, fsys FileSystem, defaultSSHPath string) error {
	cfgBytes, err := cfg.MarshalText()
	if err != nil {
		return fmt.Errorf("couldn't marshal ssh_config: %w", err)
	}
	cfgBytes = append([]byte(includeLine+"\n"), cfgBytes...)
	if err := fsys.SafeWriteFile(defaultSSHPath, cfgBytes, 0o644); err != nil {
		return fmt.Errorf("couldn't safely write ssh_config: %w", err)
	}
	return nil
}

func encodePrivateKeyToPEM(privateKey ed25519.PrivateKey) []byte {
	pkBytes, err := ssh.MarshalPrivateKey(privateKey, "tickbox key")
	if err != nil {
		panic(fmt.Sprintf("failed to marshal private key: %v", err))
	}
	return pem.EncodeToMemory(pkBytes)
}

// CheckReachability verifies SSH can resolve cntrName, repairing the
// ~/.ssh/config Include line if that's why it can't.
func CheckReachability(ctx context.Context, cntrName string) (func() error, error) {
	if err := checkSSHHostResolve(ctx, cntrName); err != nil {
		return CheckForInclude(ctx, &RealFileSystem{})
	}
	return nil, nil
}

// FileSystem abstracts the filesystem calls sshauth makes, for testability.
type FileSystem interface {
	Stat(name string) (fs.FileInfo, error)
	MkdirAll(name string, perm fs.FileMode) error
	ReadFile(name string) ([]byte, error)
	WriteFile(name string, data []byte, perm fs.FileMode) error
	Rename(oldpath, newpath string) error
	SafeWriteFile(name string, data []byte, perm fs.FileMode) error
}

// RealFileSystem is the os-backed FileSystem.
type RealFileSystem struct{}

func (f *RealFileSystem) Stat(name string) (fs.FileInfo, error) { return os.Stat(name) }
func (f *RealFileSystem) MkdirAll(name string, perm fs.FileMode) error {
	return os.MkdirAll(name, perm)
}
func (f *RealFileSystem) ReadFile(name string) ([]byte, error) { return os.ReadFile(name) }
func (f *RealFileSystem) WriteFile(name string, data []byte, perm fs.FileMode) error {
	return os.WriteFile(name, data, perm)
}
func (f *RealFileSystem) Rename(oldpath, newpath string) error { return os.Rename(oldpath, newpath) }

// SafeWriteFile writes via temp-file-then-rename, keeping a .bak of any
// previous content.
func (f *RealFileSystem) SafeWriteFile(name string, data []byte, perm fs.FileMode) error {
	dir := filepath.Dir(name)
	tmpFile, err := os.CreateTemp(dir, filepath.Base(name)+".*.tmp")
	if err != nil {
		return fmt.Errorf("couldn't create temporary file: %w", err)
	}
	tmpFilename := tmpFile.Name()
	defer os.Remove(tmpFilename)

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("couldn't write to temporary file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("couldn't sync temporary file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("couldn't close temporary file: %w", err)
	}

	if _, err := os.Stat(name); err == nil {
		backupName := name + ".bak"
		_ = os.Remove(backupName)
		if err := os.Rename(name, backupName); err != nil {
			return fmt.Errorf("couldn't create backup file: %w", err)
		}
	}

	if err := os.Rename(tmpFilename, name); err != nil {
		return fmt.Errorf("couldn't rename temporary file to target: %w", err)
	}
	return os.Chmod(name, perm)
}

// KeyGenerator generates SSH identity keys, abstracted for testability.
type KeyGenerator interface {
	GenerateKeyPair() (ed25519.PrivateKey, ed25519.PublicKey, error)
	ConvertToSSHPublicKey(publicKey ed25519.PublicKey) (ssh.PublicKey, error)
}

// RealKeyGenerator generates real ed25519 keys.
type RealKeyGenerator struct{}

func (kg *RealKeyGenerator) GenerateKeyPair() (ed25519.PrivateKey, ed25519.PublicKey, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	return privateKey, publicKey, err
}

func (kg *RealKeyGenerator) ConvertToSSHPublicKey(publicKey ed25519.PublicKey) (ssh.PublicKey, error) {
	return ssh.NewPublicKey(publicKey)
}
