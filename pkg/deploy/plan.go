package deploy

import (
	"fmt"
	"path"
)

// Remote filesystem layout.
const (
	WorkRoot       = "/opt/apps"
	WebRoot        = "/var/www"
	SitesAvailable = "/etc/nginx/sites-available"
	SitesEnabled   = "/etc/nginx/sites-enabled"
	EnvFile        = ".env"
)

// Component is one piece of the base toolchain.
type Component string

const (
	ComponentRuntime        Component = "runtime"
	ComponentProcessManager Component = "process-manager"
	ComponentWebServer      Component = "web-server"
)

// Toolchains lists the components installed by base-setup for each role.
var Toolchains = map[Role][]Component{
	RoleBackend:  {ComponentRuntime, ComponentProcessManager},
	RoleFrontend: {ComponentRuntime, ComponentWebServer},
}

// componentCommands installs each component on an Ubuntu node.
var componentCommands = map[Component][]Command{
	ComponentRuntime: {
		Cmd("apt-get", "update", "-y"),
		Cmd("apt-get", "install", "-y", "ca-certificates", "curl", "git"),
		Script("curl -fsSL https://deb.nodesource.com/setup_20.x | bash -"),
		Cmd("apt-get", "install", "-y", "nodejs"),
	},
	ComponentProcessManager: {
		Cmd("npm", "install", "-g", "pm2"),
	},
	ComponentWebServer: {
		Cmd("apt-get", "install", "-y", "nginx"),
		Cmd("systemctl", "enable", "--now", "nginx"),
	},
}

// preamble starts every batch: stop at the first failing line and give
// tools that need a home directory one, as the agent runs without a login
// shell.
var preamble = []Command{
	Script("set -e"),
	Script(`export HOME="${HOME:-/root}"`),
	Script("export DEBIAN_FRONTEND=noninteractive"),
}

// Plan validates req and returns its stages in execution order.
func Plan(req Request) ([]Stage, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	name := ProjectName(req.RepositoryURL)
	entries := req.Entries.withDefaults()

	stages := []Stage{
		baseSetupStage(req.Role),
		cloneStage(req, name),
	}

	switch req.Role {
	case RoleBackend:
		stages = append(stages, backendStage(req.Flavor, name, entries))
	case RoleFrontend:
		stages = append(stages, frontendStage(name, entries))
	}

	if req.Verify {
		stages = append(stages, verifyStage(req.Role, name))
	}

	return stages, nil
}

// ProjectDir is where a project is checked out on the node.
func ProjectDir(name string) string {
	return path.Join(WorkRoot, name)
}

// DocumentRoot is where a frontend's assets are published.
func DocumentRoot(name string) string {
	return path.Join(WebRoot, name)
}

func newStage(name string, policy FailurePolicy, commands ...Command) Stage {
	all := make([]Command, 0, len(preamble)+len(commands))
	all = append(all, preamble...)
	all = append(all, commands...)
	return Stage{Name: name, Commands: all, OnFailure: policy}
}

func baseSetupStage(role Role) Stage {
	var commands []Command
	for _, component := range Toolchains[role] {
		commands = append(commands, componentCommands[component]...)
	}
	return newStage(StageBaseSetup, Fatal, commands...)
}

func cloneStage(req Request, name string) Stage {
	dir := ProjectDir(name)
	commands := []Command{
		Cmd("mkdir", "-p", WorkRoot),
		Cmd("rm", "-rf", dir),
		Cmd("git", "clone", "--depth", "1", req.RepositoryURL, dir),
		Cmd("cd", dir),
	}
	if len(req.Environment) > 0 {
		// printf repeats its format once per assignment.
		args := append([]string{"printf", `%s\n`}, req.Environment...)
		commands = append(commands, Cmd(args...).WriteTo(EnvFile))
	}
	commands = append(commands, Cmd("npm", "install"))
	return newStage(StageCloneAndConfigure, Fatal, commands...)
}

func backendStage(flavor Flavor, name string, entries Entries) Stage {
	commands := []Command{Cmd("cd", ProjectDir(name))}

	entry := entries.Source
	if flavor == FlavorTypeScript {
		commands = append(commands,
			Cmd("npm", "install", "-g", "typescript"),
			Cmd("tsc", "--outDir", entries.OutDir),
		)
		entry = entries.Compiled
	}

	commands = append(commands,
		Cmd("pm2", "delete", name).IgnoreFailure(),
		Cmd("pm2", "start", entry, "--name", name, "-i", "max"),
		Cmd("pm2", "save"),
	)
	return newStage(StageDeployBackend, Fatal, commands...)
}

func frontendStage(name string, entries Entries) Stage {
	root := DocumentRoot(name)
	available := path.Join(SitesAvailable, name)

	return newStage(StageDeployFrontend, Fatal,
		Cmd("cd", ProjectDir(name)),
		Cmd("npm", "run", "build"),
		Cmd("rm", "-rf", root),
		Cmd("mkdir", "-p", root),
		Cmd("cp", "-r", entries.BuildDir+"/.", root),
		Cmd("printf", `%s\n`, SiteConfig(root)).WriteTo(available),
		Cmd("ln", "-sf", available, path.Join(SitesEnabled, name)),
		Cmd("rm", "-f", path.Join(SitesEnabled, "default")),
		Cmd("nginx", "-t"),
		Cmd("systemctl", "reload", "nginx"),
	)
}

func verifyStage(role Role, name string) Stage {
	if role == RoleFrontend {
		return newStage(StageVerify, Ignorable,
			Cmd("curl", "-fsS", "-o", "/dev/null", "http://localhost/"))
	}
	return newStage(StageVerify, Ignorable, Cmd("pm2", "describe", name))
}

// SiteConfig returns an nginx server block serving root with every
// unmatched path falling back to index.html.
func SiteConfig(root string) string {
	return fmt.Sprintf(`server {
    listen 80 default_server;
    listen [::]:80 default_server;
    server_name _;

    root %s;
    index index.html;

    location / {
        try_files $uri $uri/ /index.html;
    }
}`, root)
}
