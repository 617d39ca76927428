package cmdutil

import (
	"reflect"
	"testing"
)

func TestTemplateExpand(t *testing.T) {
	tmpl, err := ParseTemplate(`docker build -t {image} --label "hoist.app={app}" {context}`, "image", "app", "context")
	if err != nil {
		t.Fatalf("ParseTemplate() error = %v", err)
	}

	got, err := tmpl.Expand(map[string]string{
		"image":   "hoist/web:abc",
		"app":     "web; rm -rf /",
		"context": "/src/web",
	})
	if err != nil {
		t.Fatalf("Expand() error = %v", err)
	}
	want := []string{"docker", "build", "-t", "hoist/web:abc", "--label", "hoist.app=web; rm -rf /", "/src/web"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expand() = %q, want %q", got, want)
	}
	if !reflect.DeepEqual(tmpl.Placeholders(), []string{"app", "context", "image"}) {
		t.Errorf("Placeholders() = %v", tmpl.Placeholders())
	}
}

func TestTemplateDropsEmptyPlaceholderArgument(t *testing.T) {
	tmpl := MustParseTemplate(`docker run -d {network_flag} {image}`)
	got, err := tmpl.Expand(map[string]string{"network_flag": "", "image": "nginx"})
	if err != nil {
		t.Fatalf("Expand() error = %v", err)
	}
	if !reflect.DeepEqual(got, []string{"docker", "run", "-d", "nginx"}) {
		t.Errorf("Expand() = %q", got)
	}
}

func TestTemplateErrors(t *testing.T) {
	if _, err := ParseTemplate(`docker build {unknown}`, "image"); err == nil {
		t.Error("ParseTemplate() accepted an unknown placeholder")
	}
	if _, err := ParseTemplate(`   `); err == nil {
		t.Error("ParseTemplate() accepted an empty template")
	}

	tmpl := MustParseTemplate(`docker rm -f {container}`)
	if _, err := tmpl.Expand(map[string]string{}); err == nil {
		t.Error("Expand() succeeded without a value for {container}")
	}
}
