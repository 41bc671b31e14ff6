package deploy

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
)

// Flavor is the language variant of the project.
type Flavor string

const (
	// FlavorJavaScript runs the source entry point directly.
	FlavorJavaScript Flavor = "javascript"

	// FlavorTypeScript compiles to an output directory before starting.
	FlavorTypeScript Flavor = "typescript"
)

// Role selects how the project is served.
type Role string

const (
	// RoleBackend runs the project under the process manager.
	RoleBackend Role = "backend"

	// RoleFrontend builds static assets served by the web server.
	RoleFrontend Role = "frontend"
)

// DefaultInstanceType is used when a Request has no sizing class.
const DefaultInstanceType = "t2.micro"

// Request is the declarative input of one deployment.
type Request struct {
	// RepositoryURL is the git URL to clone (https, ssh, git or scp-like).
	RepositoryURL string

	Flavor Flavor
	Role   Role

	// Title is attached to a new node as its Name tag - optional.
	Title string

	// InstanceType is the sizing class of a new node - optional.
	InstanceType string

	// ExistingNodeID deploys onto an already-running node - optional.
	// When set, no node is provisioned and readiness is assumed.
	ExistingNodeID string

	// Environment holds KEY=VALUE assignments written to the project's
	// .env file, in order.
	Environment []string

	// Entries overrides the default entry points and output directories.
	Entries Entries

	// Verify appends a best-effort check after the role stage.
	Verify bool
}

// Entries are project-relative paths used by the role stage.
type Entries struct {
	// Source is started directly for javascript backends (default src/index.js).
	Source string

	// Compiled is started for typescript backends (default dist/index.js).
	Compiled string

	// OutDir is the compiler output directory (default dist).
	OutDir string

	// BuildDir holds frontend build output (default dist).
	BuildDir string
}

// withDefaults fills empty entries.
func (e Entries) withDefaults() Entries {
	if e.Source == "" {
		e.Source = "src/index.js"
	}
	if e.OutDir == "" {
		e.OutDir = "dist"
	}
	if e.Compiled == "" {
		e.Compiled = path.Join(e.OutDir, "index.js")
	}
	if e.BuildDir == "" {
		e.BuildDir = "dist"
	}
	return e
}

var (
	envKeyPattern      = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	projectNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
	scpLikePattern     = regexp.MustCompile(`^[A-Za-z0-9._-]+@[A-Za-z0-9.-]+:[^\s]+$`)
	instanceTypeRegexp = regexp.MustCompile(`^[a-z0-9-]+\.[a-z0-9]+$`)
)

// ProjectName derives the checkout directory name from a repository URL:
// the last path segment with one trailing ".git" removed.
func ProjectName(repositoryURL string) string {
	trimmed := strings.TrimRight(repositoryURL, "/")
	segment := trimmed[strings.LastIndex(trimmed, "/")+1:]
	return strings.TrimSuffix(segment, ".git")
}

// Validate checks the request and returns an error wrapping
// ErrInvalidRequest describing the first problem found.
func (r Request) Validate() error {
	if err := validateRepositoryURL(r.RepositoryURL); err != nil {
		return err
	}

	name := ProjectName(r.RepositoryURL)
	if !projectNamePattern.MatchString(name) || name == "." || name == ".." {
		return fmt.Errorf("%w: cannot derive a safe project name from %q", ErrInvalidRequest, r.RepositoryURL)
	}

	switch r.Flavor {
	case FlavorJavaScript, FlavorTypeScript:
	default:
		return fmt.Errorf("%w: unknown flavor %q", ErrInvalidRequest, r.Flavor)
	}

	switch r.Role {
	case RoleBackend, RoleFrontend:
	default:
		return fmt.Errorf("%w: unknown role %q", ErrInvalidRequest, r.Role)
	}

	if r.InstanceType != "" && !instanceTypeRegexp.MatchString(r.InstanceType) {
		return fmt.Errorf("%w: invalid instance type %q", ErrInvalidRequest, r.InstanceType)
	}

	for _, assignment := range r.Environment {
		if err := validateAssignment(assignment); err != nil {
			return err
		}
	}

	entries := r.Entries.withDefaults()
	for _, p := range []string{entries.Source, entries.Compiled, entries.OutDir, entries.BuildDir} {
		if path.IsAbs(p) || escapesProject(p) {
			return fmt.Errorf("%w: entry path %q must be relative to the project", ErrInvalidRequest, p)
		}
	}

	return nil
}

// escapesProject reports whether p climbs out of the directory it is
// relative to.
func escapesProject(p string) bool {
	clean := path.Clean(p)
	return clean == ".." || strings.HasPrefix(clean, "../")
}

func validateRepositoryURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: repository URL is required", ErrInvalidRequest)
	}
	if strings.ContainsAny(raw, " \t\n") {
		return fmt.Errorf("%w: repository URL must not contain whitespace", ErrInvalidRequest)
	}
	if scpLikePattern.MatchString(raw) {
		return nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: invalid repository URL: %v", ErrInvalidRequest, err)
	}
	switch u.Scheme {
	case "https", "http", "ssh", "git":
	default:
		return fmt.Errorf("%w: unsupported repository URL scheme %q", ErrInvalidRequest, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: repository URL has no host", ErrInvalidRequest)
	}
	return nil
}

func validateAssignment(assignment string) error {
	key, value, ok := strings.Cut(assignment, "=")
	if !ok {
		return fmt.Errorf("%w: environment assignment %q must be KEY=VALUE", ErrInvalidRequest, assignment)
	}
	if !envKeyPattern.MatchString(key) {
		return fmt.Errorf("%w: invalid environment variable name %q", ErrInvalidRequest, key)
	}
	if strings.ContainsAny(value, "\r\n") {
		return fmt.Errorf("%w: value of %s must be a single line", ErrInvalidRequest, key)
	}
	return nil
}
