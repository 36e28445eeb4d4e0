package configure

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/lcpu-club/hpcinfer/common/runner"
	"github.com/lcpu-club/hpcinfer/infer/replacer"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pelletier/go-toml/v2"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

type CatalogFormat string

const (
	CatalogFormatYAML CatalogFormat = "yaml"
	CatalogFormatTOML CatalogFormat = "toml"
)

// CatalogFormatOf picks the format from the file extension; YAML is the
// default.
func CatalogFormatOf(path string) CatalogFormat {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return CatalogFormatTOML
	}
	return CatalogFormatYAML
}

func LoadConfigure(path string) (*Configure, error) {
	f, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Source: path, Reason: "cannot read file", Err: err}
	}
	return ParseConfigure(f, path)
}

// ParseConfigure decodes an environment document on top of
// DefaultConfigure. Unknown keys are rejected.
func ParseConfigure(data []byte, source string) (*Configure, error) {
	c := DefaultConfigure()
	err := yaml.UnmarshalStrict(data, c)
	if err != nil {
		return nil, &ConfigError{Source: source, Reason: err.Error(), Err: err}
	}
	if c.Home == "" {
		c.Home, _ = runner.GetHomeDirectory()
	}
	if c.User == "" {
		c.User, _ = runner.GetCurrentUsername()
	}
	c.expand()
	err = c.Validate()
	if err != nil {
		if ce, ok := err.(*ConfigError); ok {
			ce.Source = source
		}
		return nil, err
	}
	return c, nil
}

func (c *Configure) expand() {
	rep := replacer.NewReplacer(c.Home, c.User)
	c.Defaults.LogDir = rep.Replace(c.Defaults.LogDir)
	c.Defaults.ModelWeightsParentDir = rep.Replace(c.Defaults.ModelWeightsParentDir)
	c.Registry.Path = rep.Replace(c.Registry.Path)
	c.ModelCatalog = rep.Replace(c.ModelCatalog)
	c.Container.Image = rep.Replace(c.Container.Image)
	for i, b := range c.Container.Binds {
		c.Container.Binds[i] = rep.Replace(b)
	}
}

// Replacer returns the path replacer of the calling user.
func (c *Configure) Replacer() *replacer.Replacer {
	return replacer.NewReplacer(c.Home, c.User)
}

func (c *Configure) Validate() error {
	required := []struct {
		field string
		value string
	}{
		{"container.image", c.Container.Image},
		{"container.command", c.Container.Command},
		{"defaults.mem-per-node", c.Defaults.MemPerNode},
		{"defaults.qos", c.Defaults.QoS},
		{"defaults.time", c.Defaults.Time},
		{"defaults.partition", c.Defaults.Partition},
		{"defaults.log-dir", c.Defaults.LogDir},
		{"defaults.model-weights-parent-dir", c.Defaults.ModelWeightsParentDir},
		{"scheduler.submit-command", c.Scheduler.SubmitCommand},
		{"scheduler.query-command", c.Scheduler.QueryCommand},
		{"scheduler.cancel-command", c.Scheduler.CancelCommand},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return &ConfigError{Field: r.field, Reason: "required"}
		}
	}
	positive := []struct {
		field string
		value int
	}{
		{"limits.max-gpus-per-node", c.Limits.MaxGPUsPerNode},
		{"limits.max-num-nodes", c.Limits.MaxNumNodes},
		{"limits.max-cpus-per-task", c.Limits.MaxCPUsPerTask},
		{"defaults.cpus-per-task", c.Defaults.CPUsPerTask},
		{"defaults.port", c.Defaults.Port},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return &ConfigError{Field: p.field, Reason: "must be a positive integer"}
		}
	}
	if c.Defaults.Port > 65535 {
		return &ConfigError{Field: "defaults.port", Reason: "out of range"}
	}
	if len(c.Allowed.QoS) == 0 {
		return &ConfigError{Field: "allowed.qos", Reason: "must not be empty"}
	}
	if len(c.Allowed.Partitions) == 0 {
		return &ConfigError{Field: "allowed.partitions", Reason: "must not be empty"}
	}
	if !lo.Contains(c.Allowed.QoS, c.Defaults.QoS) {
		return &ConfigError{Field: "defaults.qos", Reason: fmt.Sprintf("%q is not in allowed.qos", c.Defaults.QoS)}
	}
	if !lo.Contains(c.Allowed.Partitions, c.Defaults.Partition) {
		return &ConfigError{Field: "defaults.partition", Reason: fmt.Sprintf("%q is not in allowed.partitions", c.Defaults.Partition)}
	}
	if _, err := ParseMemory(c.Defaults.MemPerNode); err != nil {
		return &ConfigError{Field: "defaults.mem-per-node", Reason: err.Error(), Err: err}
	}
	if c.Limits.MaxMemPerNode != "" {
		if _, err := ParseMemory(c.Limits.MaxMemPerNode); err != nil {
			return &ConfigError{Field: "limits.max-mem-per-node", Reason: err.Error(), Err: err}
		}
	}
	if c.Scheduler.Timeout <= 0 {
		return &ConfigError{Field: "scheduler.timeout", Reason: "must be positive"}
	}
	if c.Tracker.ReadinessTimeout < 0 {
		return &ConfigError{Field: "tracker.readiness-timeout", Reason: "must not be negative"}
	}
	if len(c.Tracker.ReadinessMarkers) == 0 {
		return &ConfigError{Field: "tracker.readiness-markers", Reason: "must not be empty"}
	}
	switch c.Registry.Backend {
	case RegistryBackendFile:
		if c.Registry.Path == "" {
			return &ConfigError{Field: "registry.path", Reason: "required"}
		}
	case RegistryBackendRedis:
		if c.Registry.Redis == nil || c.Registry.Redis.Address == "" {
			return &ConfigError{Field: "registry.redis.address", Reason: "required"}
		}
	default:
		return &ConfigError{Field: "registry.backend", Reason: fmt.Sprintf("unknown backend %q", c.Registry.Backend)}
	}
	return nil
}

// ParseCatalog decodes a model catalog. Unknown keys are rejected.
func ParseCatalog(data []byte, format CatalogFormat) (Catalog, error) {
	doc := new(catalogDocument)
	var err error
	switch format {
	case CatalogFormatYAML:
		err = yaml.UnmarshalStrict(data, doc)
	case CatalogFormatTOML:
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(doc)
	default:
		return nil, &ConfigError{Reason: string(format), Err: ErrUnsupportedFormat}
	}
	if err != nil {
		return nil, &ConfigError{Reason: err.Error(), Err: err}
	}
	cat := Catalog(doc.Models)
	err = cat.validate("")
	if err != nil {
		return nil, err
	}
	return cat, nil
}

// LoadCatalog reads a catalog from a local path or from an
// s3://bucket/key object.
func LoadCatalog(ctx context.Context, source string, mc *minio.Client) (Catalog, error) {
	var data []byte
	u, err := url.Parse(source)
	if err == nil && u.Scheme == "s3" {
		if mc == nil {
			return nil, &ConfigError{Source: source, Reason: "cannot fetch catalog", Err: ErrNoMinIO}
		}
		data, err = getObject(ctx, mc, u.Host, strings.TrimPrefix(u.Path, "/"))
	} else {
		data, err = os.ReadFile(source)
	}
	if err != nil {
		return nil, &ConfigError{Source: source, Reason: "cannot read catalog", Err: err}
	}
	cat, err := ParseCatalog(data, CatalogFormatOf(source))
	if err != nil {
		if ce, ok := err.(*ConfigError); ok {
			ce.Source = source
		}
		return nil, err
	}
	return cat, nil
}

func getObject(ctx context.Context, mc *minio.Client, bucket string, key string) ([]byte, error) {
	obj, err := mc.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	return io.ReadAll(obj)
}

func NewMinIOClient(conf *MinIOConfigure) (*minio.Client, error) {
	if conf == nil || conf.Endpoint == "" {
		return nil, ErrNoMinIO
	}
	var creds *credentials.Credentials
	if conf.Credentials != nil {
		creds = credentials.NewStaticV4(conf.Credentials.AccessKey, conf.Credentials.SecretKey, "")
	} else {
		creds = credentials.NewEnvMinio()
	}
	return minio.New(conf.Endpoint, &minio.Options{
		Creds:  creds,
		Secure: conf.SSL,
	})
}

type loadOptions struct {
	catalogSource string
	minio         *minio.Client
}

type LoadOption func(*loadOptions)

// WithCatalogSource overrides the model-catalog entry of the environment
// document.
func WithCatalogSource(source string) LoadOption {
	return func(o *loadOptions) {
		o.catalogSource = source
	}
}

func WithMinIOClient(mc *minio.Client) LoadOption {
	return func(o *loadOptions) {
		o.minio = mc
	}
}

// Load reads the environment document and the model catalog it refers to.
func Load(ctx context.Context, envPath string, opts ...LoadOption) (*Configure, Catalog, error) {
	o := new(loadOptions)
	for _, opt := range opts {
		opt(o)
	}
	var conf *Configure
	var err error
	if envPath == "" {
		conf, err = ParseConfigure(nil, "defaults")
	} else {
		conf, err = LoadConfigure(envPath)
	}
	if err != nil {
		return nil, nil, err
	}
	// A catalog named by the document is relative to the document; one
	// given by the caller is relative to the working directory.
	source := conf.ModelCatalog
	if o.catalogSource != "" {
		source = conf.Replacer().Replace(o.catalogSource)
	} else if source != "" && !strings.HasPrefix(source, "s3://") && !filepath.IsAbs(source) {
		source = filepath.Join(filepath.Dir(envPath), source)
	}
	if source == "" {
		return nil, nil, &ConfigError{Source: envPath, Field: "model-catalog", Reason: "required"}
	}
	mc := o.minio
	if mc == nil && strings.HasPrefix(source, "s3://") {
		mc, err = NewMinIOClient(conf.MinIO)
		if err != nil {
			return nil, nil, &ConfigError{Source: envPath, Field: "minio", Reason: "cannot create client", Err: err}
		}
	}
	cat, err := LoadCatalog(ctx, source, mc)
	if err != nil {
		return nil, nil, err
	}
	log.WithFields(log.Fields{
		"environment": envPath,
		"catalog":     source,
		"models":      len(cat),
	}).Debugln("Configuration loaded")
	return conf, cat, nil
}
