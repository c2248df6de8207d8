package config

import (
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"time"

	hcl "github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"golang.org/x/crypto/bcrypt"

	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/ocidist"
)

// KnownPlugins are the protocol plugins a configuration may enable.
var KnownPlugins = []string{"npm", "python", "modelregistry"}

const (
	DefaultListenAddr   = ":8080"
	DefaultMaxBodyBytes = 512 << 20
	DefaultGrantTTL     = 5 * time.Minute
)

type Config struct {
	Server   *Server
	Registry *Registry
	Events   *Events

	// Plugins are the plugins enabled by plugin blocks. If there are none
	// then every known plugin is enabled.
	Plugins map[string]*Plugin
	Users   map[string]*User

	Filename string
}

type Server struct {
	ListenAddr   string
	PublicURL    *url.URL
	MaxBodyBytes int64
	TLS          *TLSConfig

	DeclRange hcl.Range
}

type TLSConfig struct {
	Certificate tls.Certificate
}

type Registry struct {
	URL         *url.URL
	Audience    string
	GrantSecret [32]byte
	GrantTTL    time.Duration

	DeclRange hcl.Range
}

type Plugin struct {
	Name string

	DeclRange hcl.Range
}

type User struct {
	Name         string
	PasswordHash string

	DeclRange hcl.Range
}

type Events struct {
	Token string

	DeclRange hcl.Range
}

// PluginEnabled returns true if the named plugin should run.
func (c *Config) PluginEnabled(name string) bool {
	if len(c.Plugins) == 0 {
		return slices.Contains(KnownPlugins, name)
	}
	_, ok := c.Plugins[name]
	return ok
}

// UserPasswordHashes returns the bcrypt hash of each configured user's
// password, keyed by username.
func (c *Config) UserPasswordHashes() map[string]string {
	ret := make(map[string]string, len(c.Users))
	for name, u := range c.Users {
		ret[name] = u.PasswordHash
	}
	return ret
}

func LoadConfigFile(filename string) (*Config, hcl.Diagnostics) {
	src, err := os.ReadFile(filename)
	if err != nil {
		return nil, hcl.Diagnostics{
			{
				Severity: hcl.DiagError,
				Summary:  "Cannot read configuration file",
				Detail:   fmt.Sprintf("Failed to read %s: %s.", filename, err),
			},
		}
	}
	return LoadConfig(src, filename)
}

func LoadConfig(src []byte, filename string) (*Config, hcl.Diagnostics) {
	f, diags := hclsyntax.ParseConfig(src, filename, hcl.InitialPos)
	if diags.HasErrors() {
		return nil, diags
	}

	content, moreDiags := f.Body.Content(rootSchema)
	diags = append(diags, moreDiags...)
	if moreDiags.HasErrors() {
		return nil, diags
	}

	ret := &Config{
		Filename: filename,
		Plugins:  make(map[string]*Plugin),
		Users:    make(map[string]*User),
	}

	for _, block := range content.Blocks {
		switch block.Type {
		case "server":
			serverConfig, moreDiags := decodeServerConfig(block)
			diags = append(diags, moreDiags...)
			if ret.Server != nil {
				diags = diags.Append(duplicateBlockDiagnostic(block, "server", ret.Server.DeclRange))
				continue
			}
			ret.Server = serverConfig

		case "registry":
			registryConfig, moreDiags := decodeRegistryConfig(block)
			diags = append(diags, moreDiags...)
			if ret.Registry != nil {
				diags = diags.Append(duplicateBlockDiagnostic(block, "registry", ret.Registry.DeclRange))
				continue
			}
			ret.Registry = registryConfig

		case "events":
			eventsConfig, moreDiags := decodeEventsConfig(block)
			diags = append(diags, moreDiags...)
			if ret.Events != nil {
				diags = diags.Append(duplicateBlockDiagnostic(block, "events", ret.Events.DeclRange))
				continue
			}
			ret.Events = eventsConfig

		case "plugin":
			plugin, moreDiags := decodePlugin(block)
			if existing, exists := ret.Plugins[plugin.Name]; exists {
				moreDiags = moreDiags.Append(&hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Duplicate plugin",
					Detail:   fmt.Sprintf("The plugin %q was already enabled at %s.", plugin.Name, existing.DeclRange),
					Subject:  block.DefRange.Ptr(),
				})
			}
			diags = append(diags, moreDiags...)
			if moreDiags.HasErrors() {
				continue
			}
			ret.Plugins[plugin.Name] = plugin

		case "user":
			user, moreDiags := decodeUser(block)
			if existing, exists := ret.Users[user.Name]; exists {
				moreDiags = moreDiags.Append(&hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Duplicate user",
					Detail:   fmt.Sprintf("A user named %q was already declared at %s. Usernames must be unique.", user.Name, existing.DeclRange),
					Subject:  block.DefRange.Ptr(),
				})
			}
			diags = append(diags, moreDiags...)
			if moreDiags.HasErrors() {
				continue
			}
			ret.Users[user.Name] = user

		default:
			// Should not get here because only the cases above are in our schema.
			panic(fmt.Sprintf("unexpected block type %q", block.Type))
		}
	}

	if ret.Registry == nil {
		diags = diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Missing registry configuration",
			Detail:   "A registry block is required, to specify the OCI Distribution server that artifacts are stored in.",
			Subject:  f.Body.MissingItemRange().Ptr(),
		})
	}
	if ret.Server == nil {
		ret.Server = &Server{
			ListenAddr:   DefaultListenAddr,
			MaxBodyBytes: DefaultMaxBodyBytes,
		}
	}

	return ret, diags
}

func duplicateBlockDiagnostic(block *hcl.Block, typeName string, prev hcl.Range) *hcl.Diagnostic {
	return &hcl.Diagnostic{
		Severity: hcl.DiagError,
		Summary:  fmt.Sprintf("Duplicate %s configuration", typeName),
		Detail:   fmt.Sprintf("The %s was already configured at %s.", typeName, prev),
		Subject:  block.DefRange.Ptr(),
	}
}

func decodeServerConfig(block *hcl.Block) (*Server, hcl.Diagnostics) {
	ret := &Server{
		ListenAddr:   DefaultListenAddr,
		MaxBodyBytes: DefaultMaxBodyBytes,
		DeclRange:    block.DefRange,
	}

	type TLSConfigHCL struct {
		CertificateFile gohcl.WithRange[string] `hcl:"certificate_file"`
		PrivateKeyFile  gohcl.WithRange[string] `hcl:"private_key_file"`
	}
	type Config struct {
		ListenAddr   gohcl.WithRange[*string] `hcl:"listen_addr,optional"`
		PublicURL    gohcl.WithRange[*string] `hcl:"public_url,optional"`
		MaxBodyBytes gohcl.WithRange[*int64]  `hcl:"max_body_bytes,optional"`
		TLS          *TLSConfigHCL            `hcl:"tls,block"`
	}
	var config Config
	diags := gohcl.DecodeBody(block.Body, nil, &config)
	if diags.HasErrors() {
		return ret, diags
	}

	if config.ListenAddr.Value != nil {
		_, _, err := net.SplitHostPort(*config.ListenAddr.Value)
		if err != nil {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid listen address",
				Detail:   "Listen address must be an IP address followed by a colon and then a port number.",
				Subject:  config.ListenAddr.Range.Ptr(),
			})
		} else {
			ret.ListenAddr = *config.ListenAddr.Value
		}
	}

	if config.PublicURL.Value != nil {
		u, moreDiags := parseHTTPURL(*config.PublicURL.Value, config.PublicURL.Range, "public URL")
		diags = append(diags, moreDiags...)
		ret.PublicURL = u
	}

	if config.MaxBodyBytes.Value != nil {
		if *config.MaxBodyBytes.Value <= 0 {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid maximum body size",
				Detail:   "The maximum request body size must be a positive number of bytes.",
				Subject:  config.MaxBodyBytes.Range.Ptr(),
			})
		} else {
			ret.MaxBodyBytes = *config.MaxBodyBytes.Value
		}
	}

	if config.TLS != nil {
		certFilename := config.TLS.CertificateFile.Value
		keyFilename := config.TLS.PrivateKeyFile.Value
		basePath := filepath.Dir(block.DefRange.Filename)
		if !filepath.IsAbs(certFilename) {
			certFilename = filepath.Join(basePath, certFilename)
		}
		if !filepath.IsAbs(keyFilename) {
			keyFilename = filepath.Join(basePath, keyFilename)
		}

		cert, err := tls.LoadX509KeyPair(certFilename, keyFilename)
		if err != nil {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Failed to parse TLS keypair",
				Detail:   fmt.Sprintf("Cannot build a valid TLS configuration from the specified certificate and private key: %s.", err),
				Subject:  config.TLS.CertificateFile.Range.Ptr(),
			})
		} else {
			ret.TLS = &TLSConfig{
				Certificate: cert,
			}
		}
	}

	return ret, diags
}

func decodeRegistryConfig(block *hcl.Block) (*Registry, hcl.Diagnostics) {
	ret := &Registry{
		GrantTTL:  DefaultGrantTTL,
		DeclRange: block.DefRange,
	}

	type Config struct {
		URL         gohcl.WithRange[string]  `hcl:"url"`
		Audience    gohcl.WithRange[*string] `hcl:"audience,optional"`
		GrantSecret gohcl.WithRange[string]  `hcl:"grant_secret"`
		GrantTTL    gohcl.WithRange[*string] `hcl:"grant_ttl,optional"`
	}
	var config Config
	diags := gohcl.DecodeBody(block.Body, nil, &config)
	if diags.HasErrors() {
		return ret, diags
	}

	u, moreDiags := parseHTTPURL(config.URL.Value, config.URL.Range, "OCI registry URL")
	diags = append(diags, moreDiags...)
	if u != nil {
		if err := ocidist.AssertValidRegistryURL(u); err != nil {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid OCI registry URL",
				Detail:   fmt.Sprintf("The registry URL %s.", err),
				Subject:  config.URL.Range.Ptr(),
			})
			u = nil
		}
	}
	ret.URL = u

	if config.Audience.Value != nil {
		ret.Audience = *config.Audience.Value
	} else if u != nil {
		ret.Audience = u.Host
	}

	secret, err := hex.DecodeString(config.GrantSecret.Value)
	if err != nil || len(secret) != len(ret.GrantSecret) {
		diags = diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid grant secret",
			Detail:   "The grant secret must be 64 hexadecimal digits, representing a 32-byte key.",
			Subject:  config.GrantSecret.Range.Ptr(),
		})
	} else {
		copy(ret.GrantSecret[:], secret)
	}

	if config.GrantTTL.Value != nil {
		ttl, err := time.ParseDuration(*config.GrantTTL.Value)
		if err != nil || ttl <= 0 {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid grant lifetime",
				Detail:   `The grant lifetime must be a positive duration, such as "5m".`,
				Subject:  config.GrantTTL.Range.Ptr(),
			})
		} else {
			ret.GrantTTL = ttl
		}
	}

	return ret, diags
}

func decodeEventsConfig(block *hcl.Block) (*Events, hcl.Diagnostics) {
	ret := &Events{
		DeclRange: block.DefRange,
	}

	type Config struct {
		Token *string `hcl:"token,optional"`
	}
	var config Config
	diags := gohcl.DecodeBody(block.Body, nil, &config)
	if config.Token != nil {
		ret.Token = *config.Token
	}
	return ret, diags
}

func decodePlugin(block *hcl.Block) (*Plugin, hcl.Diagnostics) {
	ret := &Plugin{
		Name:      block.Labels[0],
		DeclRange: block.DefRange,
	}

	type Config struct{}
	var config Config
	diags := gohcl.DecodeBody(block.Body, nil, &config)

	if !slices.Contains(KnownPlugins, ret.Name) {
		diags = diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Unsupported plugin",
			Detail:   fmt.Sprintf("There is no plugin named %q. Supported plugins are %q.", ret.Name, KnownPlugins),
			Subject:  block.LabelRanges[0].Ptr(),
		})
	}
	return ret, diags
}

func decodeUser(block *hcl.Block) (*User, hcl.Diagnostics) {
	ret := &User{
		Name:      block.Labels[0],
		DeclRange: block.DefRange,
	}

	type Config struct {
		PasswordHash gohcl.WithRange[string] `hcl:"password_hash"`
	}
	var config Config
	diags := gohcl.DecodeBody(block.Body, nil, &config)
	if diags.HasErrors() {
		return ret, diags
	}

	if _, err := bcrypt.Cost([]byte(config.PasswordHash.Value)); err != nil {
		diags = diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid password hash",
			Detail:   fmt.Sprintf("The password hash must be a bcrypt hash, such as produced by the hash-password command: %s.", err),
			Subject:  config.PasswordHash.Range.Ptr(),
		})
	}
	ret.PasswordHash = config.PasswordHash.Value
	return ret, diags
}

func parseHTTPURL(raw string, rng hcl.Range, what string) (*url.URL, hcl.Diagnostics) {
	var diags hcl.Diagnostics
	u, err := url.Parse(raw)
	if err != nil {
		return nil, diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  fmt.Sprintf("Invalid %s", what),
			Detail:   fmt.Sprintf("Invalid URL syntax: %s.", err),
			Subject:  rng.Ptr(),
		})
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  fmt.Sprintf("Invalid %s", what),
			Detail:   fmt.Sprintf("The %s must use either the 'https' or 'http' scheme.", what),
			Subject:  rng.Ptr(),
		})
	}
	return u, diags
}

var rootSchema = &hcl.BodySchema{
	Blocks: []hcl.BlockHeaderSchema{
		{Type: "server"},
		{Type: "registry"},
		{Type: "events"},
		{Type: "plugin", LabelNames: []string{"name"}},
		{Type: "user", LabelNames: []string{"name"}},
	},
}
