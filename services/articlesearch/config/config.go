package config

import (
	"errors"
	"fmt"
	"io/ioutil"
	"net"
	"os"
	"strconv"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"
)

const (
	EngineElasticsearch = "elasticsearch"
	EngineMemory        = "memory"
)

// Node is one engine node reachable at Host:Port.
type Node struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// URL returns the HTTP address of the node.
func (n Node) URL(scheme string) string {
	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(n.Host, strconv.Itoa(n.Port)))
}

type ClusterConfig struct {
	Name        string `yaml:"name"`
	Scheme      string `yaml:"scheme"`
	Nodes       []Node `yaml:"nodes"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	SyncUpdates bool   `yaml:"sync_updates"`
}

// NodeURLs returns the address of every configured node.
func (c ClusterConfig) NodeURLs() []string {
	urls := make([]string, 0, len(c.Nodes))
	for _, n := range c.Nodes {
		urls = append(urls, n.URL(c.Scheme))
	}
	return urls
}

type IndexConfig struct {
	Name         string `yaml:"name"`
	DocumentType string `yaml:"document_type"`
	Analyzer     string `yaml:"analyzer"`
}

type HighlightConfig struct {
	PreTag  string `yaml:"pre_tag"`
	PostTag string `yaml:"post_tag"`
}

type FrontendConfig struct {
	ListenAddr     string `yaml:"listen_addr"`
	PprofAddr      string `yaml:"pprof_addr"`
	ResultsPerPage int    `yaml:"results_per_page"`
}

// Config is the root configuration of the articlesearch tool.
type Config struct {
	Engine    string          `yaml:"engine"`
	Cluster   ClusterConfig   `yaml:"cluster"`
	Index     IndexConfig     `yaml:"index"`
	Highlight HighlightConfig `yaml:"highlight"`
	Frontend  FrontendConfig  `yaml:"frontend"`
}

// Default returns the configuration of the local three-node demo cluster.
func Default() *Config {
	return &Config{
		Engine: EngineElasticsearch,
		Cluster: ClusterConfig{
			Name:   "my-elasticsearch",
			Scheme: "http",
			Nodes: []Node{
				{Host: "127.0.0.1", Port: 9201},
				{Host: "127.0.0.1", Port: 9202},
				{Host: "127.0.0.1", Port: 9203},
			},
			SyncUpdates: true,
		},
		Index: IndexConfig{
			Name:         "index-es",
			DocumentType: "article",
			Analyzer:     "standard",
		},
		Highlight: HighlightConfig{
			PreTag:  "<em>",
			PostTag: "</em>",
		},
		Frontend: FrontendConfig{
			ListenAddr:     ":8080",
			PprofAddr:      ":6060",
			ResultsPerPage: 10,
		},
	}
}

// Load reads the YAML file at path on top of the defaults. An empty path or a
// missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := ioutil.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, xerrors.Errorf("read config %s: %w", path, err)
	}
	if err = yaml.Unmarshal(data, cfg); err != nil {
		return nil, xerrors.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (cfg *Config) Validate() error {
	var err error
	switch cfg.Engine {
	case EngineElasticsearch:
		if len(cfg.Cluster.Nodes) == 0 {
			err = multierror.Append(err, xerrors.New("no cluster nodes specified"))
		}
		for i, n := range cfg.Cluster.Nodes {
			if n.Host == "" {
				err = multierror.Append(err, xerrors.Errorf("cluster node %d: host not specified", i))
			}
			if n.Port <= 0 || n.Port > 65535 {
				err = multierror.Append(err, xerrors.Errorf("cluster node %d: invalid port %d", i, n.Port))
			}
		}
		if cfg.Cluster.Scheme != "http" && cfg.Cluster.Scheme != "https" {
			err = multierror.Append(err, xerrors.Errorf("unsupported cluster scheme %q", cfg.Cluster.Scheme))
		}
	case EngineMemory:
	default:
		err = multierror.Append(err, xerrors.Errorf("unknown engine %q (valid options: %s, %s)", cfg.Engine, EngineElasticsearch, EngineMemory))
	}
	if cfg.Index.Name == "" {
		err = multierror.Append(err, xerrors.New("index name not specified"))
	}
	if cfg.Index.DocumentType == "" {
		err = multierror.Append(err, xerrors.New("document type not specified"))
	}
	if (cfg.Highlight.PreTag == "") != (cfg.Highlight.PostTag == "") {
		err = multierror.Append(err, xerrors.New("highlight pre and post tags must be set together"))
	}
	if cfg.Frontend.ResultsPerPage <= 0 {
		err = multierror.Append(err, xerrors.New("results per page must be positive"))
	}
	return err
}
