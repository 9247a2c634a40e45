// SPDX-License-Identifier: MIT

// Package lang defines the closed set of supported language tags and the
// per-tag execution profile (sandbox image, command templates, extension
// whitelist). The set is fixed at startup; nothing in the hot path
// branches on raw language strings.
package lang

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Tag identifies a supported language.
type Tag string

const (
	Python     Tag = "python"
	JavaScript Tag = "javascript"
	Java       Tag = "java"
	CPP        Tag = "cpp"
)

// All lists every supported tag in stable order.
func All() []Tag {
	return []Tag{Python, JavaScript, Java, CPP}
}

// Profile binds a tag to its sandbox image and command templates.
// Command templates contain the placeholder {entry} which is replaced by
// the entrypoint path relative to the sandbox working root. Compile is
// empty for interpreted languages.
type Profile struct {
	Tag        Tag
	Image      string
	Compile    []string
	Run        []string
	Extensions []string // permitted source file extensions, with dot
}

// Registry resolves tags to profiles. Built once at startup from
// configuration; read-only afterwards.
type Registry struct {
	profiles map[Tag]Profile
}

// Images maps tags to sandbox image identifiers, typically sourced from
// the sandboxImage.<lang> configuration keys.
type Images map[Tag]string

// NewRegistry builds a registry with the built-in command templates and
// the supplied image identifiers. Tags without an image fall back to a
// conventional default.
func NewRegistry(images Images) *Registry {
	defaults := map[Tag]Profile{
		Python: {
			Tag:        Python,
			Image:      "coderunner/python:3",
			Run:        []string{"python3", "{entry}"},
			Extensions: []string{".py", ".txt"},
		},
		JavaScript: {
			Tag:        JavaScript,
			Image:      "coderunner/node:20",
			Run:        []string{"node", "{entry}"},
			Extensions: []string{".js", ".mjs", ".json", ".txt"},
		},
		Java: {
			Tag:        Java,
			Image:      "coderunner/jdk:21",
			Compile:    []string{"javac", "{entry}"},
			Run:        []string{"java", "{main}"},
			Extensions: []string{".java", ".txt"},
		},
		CPP: {
			Tag:        CPP,
			Image:      "coderunner/gcc:13",
			Compile:    []string{"g++", "-O2", "-o", "a.out", "{entry}"},
			Run:        []string{"./a.out"},
			Extensions: []string{".cpp", ".cc", ".h", ".hpp", ".txt"},
		},
	}
	for tag, image := range images {
		if p, ok := defaults[tag]; ok && image != "" {
			p.Image = image
			defaults[tag] = p
		}
	}
	return &Registry{profiles: defaults}
}

// Resolve returns the profile for tag, or false if the tag is unknown.
func (r *Registry) Resolve(tag Tag) (Profile, bool) {
	p, ok := r.profiles[tag]
	return p, ok
}

// AllowedExtension reports whether the file name carries an extension the
// profile permits.
func (p Profile) AllowedExtension(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, allowed := range p.Extensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

// RunCommand expands the run template for the given entrypoint path.
func (p Profile) RunCommand(entry string) []string {
	return expand(p.Run, entry)
}

// CompileCommand expands the compile template, or nil when the language
// needs no compile step.
func (p Profile) CompileCommand(entry string) []string {
	if len(p.Compile) == 0 {
		return nil
	}
	return expand(p.Compile, entry)
}

func expand(tmpl []string, entry string) []string {
	out := make([]string, len(tmpl))
	for i, arg := range tmpl {
		arg = strings.ReplaceAll(arg, "{entry}", entry)
		arg = strings.ReplaceAll(arg, "{main}", mainClass(entry))
		out[i] = arg
	}
	return out
}

// mainClass derives the Java main class name from an entrypoint path.
func mainClass(entry string) string {
	base := filepath.Base(entry)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Parse converts a raw string into a Tag, rejecting unknown values.
func Parse(s string) (Tag, error) {
	tag := Tag(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range All() {
		if tag == known {
			return tag, nil
		}
	}
	return "", fmt.Errorf("unknown language %q (supported: %s)", s, supportedList())
}

func supportedList() string {
	tags := All()
	names := make([]string, len(tags))
	for i, t := range tags {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}
