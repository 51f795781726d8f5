package docs

import (
	_ "embed"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"gopkg.in/yaml.v3"
)

//go:embed openapi.yaml
var openAPISpec []byte

// Document 按节点替换 info.title 和 servers[0].url
func Document(title, port string) ([]byte, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(openAPISpec, &doc); err != nil {
		return nil, fmt.Errorf("parse openapi document: %w", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, errors.New("openapi document is empty")
	}
	root := doc.Content[0]

	info := lookup(root, "info")
	if info == nil {
		return nil, errors.New("openapi document has no info section")
	}
	setScalar(info, "title", title)

	servers := lookup(root, "servers")
	if servers == nil || servers.Kind != yaml.SequenceNode || len(servers.Content) == 0 {
		return nil, errors.New("openapi document has no servers")
	}
	setScalar(servers.Content[0], "url", "http://localhost:"+port)

	return yaml.Marshal(&doc)
}

// RegisterRoutes 提供 OpenAPI 文档和 Swagger UI
func RegisterRoutes(r *mux.Router, title, port string) error {
	spec, err := Document(title, port)
	if err != nil {
		return err
	}

	r.HandleFunc("/api-docs/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Write(spec) //nolint:errcheck
	}).Methods(http.MethodGet)

	page := []byte(fmt.Sprintf(swaggerUIHTML, title))
	r.HandleFunc("/api-docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write(page) //nolint:errcheck
	}).Methods(http.MethodGet)

	return nil
}

// lookup 在 mapping 节点中按 key 查找 value
func lookup(m *yaml.Node, key string) *yaml.Node {
	if m.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

func setScalar(m *yaml.Node, key, value string) {
	if v := lookup(m, key); v != nil {
		v.Kind = yaml.ScalarNode
		v.Tag = "!!str"
		v.Value = value
		return
	}
	m.Content = append(m.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value},
	)
}

const swaggerUIHTML = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <title>%s</title>
  <link rel="stylesheet" type="text/css" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>
    SwaggerUIBundle({
      url: '/api-docs/openapi.yaml',
      dom_id: '#swagger-ui',
      presets: [SwaggerUIBundle.presets.apis, SwaggerUIBundle.SwaggerUIStandalonePreset],
      layout: 'BaseLayout'
    });
  </script>
</body>
</html>`
