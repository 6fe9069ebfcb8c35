package report

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

const fence = "---\n"

// withFrontmatter renders meta as a YAML block between --- fences and
// appends body.
func withFrontmatter(meta any, body string) ([]byte, error) {
	head, err := yaml.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("report: marshal frontmatter: %w", err)
	}
	var buf bytes.Buffer
	buf.Grow(len(head) + len(body) + 2*len(fence))
	buf.WriteString(fence)
	buf.Write(head)
	buf.WriteString(fence)
	buf.WriteString(body)
	return buf.Bytes(), nil
}

// splitFrontmatter returns the YAML block and the body of a document
// produced by withFrontmatter.
func splitFrontmatter(doc []byte) (head, body []byte, err error) {
	if !bytes.HasPrefix(doc, []byte(fence)) {
		return nil, nil, fmt.Errorf("report: document does not open with ---")
	}
	rest := doc[len(fence):]
	end := bytes.Index(rest, []byte("\n"+fence))
	if end < 0 {
		if bytes.HasSuffix(rest, []byte("\n---")) {
			return rest[:len(rest)-3], nil, nil
		}
		return nil, nil, fmt.Errorf("report: frontmatter is not closed")
	}
	return rest[:end+1], rest[end+1+len(fence):], nil
}
