package config

import (
	"io/ioutil"
	"path/filepath"
	"testing"

	gc "gopkg.in/check.v1"
)

var _ = gc.Suite(new(ConfigTestSuite))

func Test(t *testing.T) {
	gc.TestingT(t)
}

type ConfigTestSuite struct{}

func (s *ConfigTestSuite) TestDefaults(c *gc.C) {
	cfg, err := Load("")
	c.Assert(err, gc.IsNil)
	c.Assert(cfg.Validate(), gc.IsNil)
	c.Assert(cfg.Cluster.Name, gc.Equals, "my-elasticsearch")
	c.Assert(cfg.Cluster.NodeURLs(), gc.DeepEquals, []string{
		"http://127.0.0.1:9201",
		"http://127.0.0.1:9202",
		"http://127.0.0.1:9203",
	})
	c.Assert(cfg.Index.Name, gc.Equals, "index-es")
	c.Assert(cfg.Index.DocumentType, gc.Equals, "article")
}

func (s *ConfigTestSuite) TestMissingFileYieldsDefaults(c *gc.C) {
	cfg, err := Load(filepath.Join(c.MkDir(), "missing.yaml"))
	c.Assert(err, gc.IsNil)
	c.Assert(cfg, gc.DeepEquals, Default())
}

func (s *ConfigTestSuite) TestLoadOverridesDefaults(c *gc.C) {
	path := filepath.Join(c.MkDir(), "config.yaml")
	data := `
engine: memory
cluster:
  name: search-prod
  nodes:
    - host: es-1.internal
      port: 9200
index:
  analyzer: english
highlight:
  pre_tag: "<b>"
  post_tag: "</b>"
`
	c.Assert(ioutil.WriteFile(path, []byte(data), 0644), gc.IsNil)

	cfg, err := Load(path)
	c.Assert(err, gc.IsNil)
	c.Assert(cfg.Validate(), gc.IsNil)
	c.Assert(cfg.Engine, gc.Equals, EngineMemory)
	c.Assert(cfg.Cluster.NodeURLs(), gc.DeepEquals, []string{"http://es-1.internal:9200"})
	c.Assert(cfg.Index.Name, gc.Equals, "index-es")
	c.Assert(cfg.Index.Analyzer, gc.Equals, "english")
	c.Assert(cfg.Highlight.PreTag, gc.Equals, "<b>")
}

func (s *ConfigTestSuite) TestLoadRejectsMalformedYAML(c *gc.C) {
	path := filepath.Join(c.MkDir(), "config.yaml")
	c.Assert(ioutil.WriteFile(path, []byte("cluster: [unterminated"), 0644), gc.IsNil)

	_, err := Load(path)
	c.Assert(err, gc.ErrorMatches, "parse config .*")
}

func (s *ConfigTestSuite) TestValidateReportsEveryProblem(c *gc.C) {
	cfg := Default()
	cfg.Cluster.Nodes = []Node{{Port: 70000}}
	cfg.Cluster.Scheme = "ftp"
	cfg.Index.Name = ""
	cfg.Highlight.PostTag = ""

	err := cfg.Validate()
	c.Assert(err, gc.ErrorMatches, `(?s).*cluster node 0: host not specified.*`)
	c.Assert(err, gc.ErrorMatches, `(?s).*cluster node 0: invalid port 70000.*`)
	c.Assert(err, gc.ErrorMatches, `(?s).*unsupported cluster scheme "ftp".*`)
	c.Assert(err, gc.ErrorMatches, `(?s).*index name not specified.*`)
	c.Assert(err, gc.ErrorMatches, `(?s).*highlight pre and post tags must be set together.*`)

	cfg = Default()
	cfg.Engine = "solr"
	c.Assert(cfg.Validate(), gc.ErrorMatches, `(?s).*unknown engine "solr".*`)
}
