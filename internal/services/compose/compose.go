// Package compose plans the containers of a restored Nextcloud instance and
// renders them as a docker-compose manifest.
package compose

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/fgeck/nextcloud-backup/internal/models"
	"gopkg.in/yaml.v3"
)

// Default images and mount directories.
const (
	DefaultAppImage      = "nextcloud:stable"
	DefaultMariaDBImage  = "mariadb:10.11"
	DefaultPostgresImage = "postgres:15"
	DefaultAppPort       = 8080

	AppDataDir = "nextcloud-data"
	DBDataDir  = "db-data"

	restartPolicy = "unless-stopped"
)

// Options selects names, images and ports of the planned containers.
type Options struct {
	AppContainer string
	DBContainer  string
	AppImage     string
	DBImage      string
	AppPort      int
	WorkDir      string // parent of the bind-mounted data directories
}

// Stack is the planned pair of containers. DB is nil for sqlite.
type Stack struct {
	App models.RunOptions
	DB  *models.RunOptions
}

// File is a docker-compose manifest.
type File struct {
	Services map[string]Service `yaml:"services"`
}

// Service is one service of a compose manifest.
type Service struct {
	Image         string            `yaml:"image"`
	ContainerName string            `yaml:"container_name"`
	Restart       string            `yaml:"restart,omitempty"`
	Ports         []string          `yaml:"ports,omitempty"`
	Volumes       []string          `yaml:"volumes,omitempty"`
	Environment   map[string]string `yaml:"environment,omitempty"`
	DependsOn     []string          `yaml:"depends_on,omitempty"`
}

// DBImage returns the default image of a database kind.
func DBImage(kind models.DBKind) string {
	switch kind {
	case models.DBKindPostgres:
		return DefaultPostgresImage
	case models.DBKindMySQL, models.DBKindMariaDB:
		return DefaultMariaDBImage
	default:
		return ""
	}
}

// DBDataPath is where the database image keeps its files.
func DBDataPath(kind models.DBKind) string {
	if kind == models.DBKindPostgres {
		return "/var/lib/postgresql/data"
	}
	return "/var/lib/mysql"
}

// DBEnv returns the environment that makes the database image create the
// profile's database and user on first start.
func DBEnv(p models.DatabaseProfile) map[string]string {
	switch p.Kind {
	case models.DBKindPostgres:
		return map[string]string{
			"POSTGRES_DB":       p.Name,
			"POSTGRES_USER":     p.User,
			"POSTGRES_PASSWORD": p.Password,
		}
	case models.DBKindMySQL, models.DBKindMariaDB:
		env := map[string]string{
			"MYSQL_DATABASE":      p.Name,
			"MYSQL_ROOT_PASSWORD": p.Password,
		}
		// The image refuses to start when asked to create root as a regular user.
		if p.User != "root" {
			env["MYSQL_USER"] = p.User
			env["MYSQL_PASSWORD"] = p.Password
		}
		return env
	default:
		return nil
	}
}

// Plan derives the containers needed to host a restore of profile.
func Plan(p models.DatabaseProfile, opts Options) (*Stack, error) {
	if !p.Kind.Supported() {
		return nil, models.NewError(models.KindUnsupportedDBKind, "", fmt.Sprintf("cannot plan containers for %q", p.Kind))
	}
	if opts.AppContainer == "" {
		return nil, fmt.Errorf("app container name is required")
	}

	appImage := opts.AppImage
	if appImage == "" {
		appImage = DefaultAppImage
	}
	port := opts.AppPort
	if port == 0 {
		port = DefaultAppPort
	}

	stack := &Stack{
		App: models.RunOptions{
			Name:    opts.AppContainer,
			Image:   appImage,
			Ports:   map[int]int{port: 80},
			Mounts:  map[string]string{filepath.Join(opts.WorkDir, AppDataDir): models.WebRoot},
			Restart: restartPolicy,
		},
	}

	if !p.Kind.NeedsContainer() {
		return stack, nil
	}

	if opts.DBContainer == "" {
		return nil, fmt.Errorf("db container name is required for %s", p.Kind)
	}
	dbImage := opts.DBImage
	if dbImage == "" {
		dbImage = DBImage(p.Kind)
	}
	stack.DB = &models.RunOptions{
		Name:    opts.DBContainer,
		Image:   dbImage,
		Env:     DBEnv(p),
		Mounts:  map[string]string{filepath.Join(opts.WorkDir, DBDataDir): DBDataPath(p.Kind)},
		Restart: restartPolicy,
	}
	stack.App.Links = []string{opts.DBContainer}
	stack.App.Env = appDBEnv(p, opts.DBContainer)

	return stack, nil
}

// appDBEnv points the Nextcloud image's auto-configuration at the db container.
func appDBEnv(p models.DatabaseProfile, host string) map[string]string {
	env := map[string]string{}
	switch p.Kind {
	case models.DBKindPostgres:
		env["POSTGRES_HOST"] = host
		env["POSTGRES_DB"] = p.Name
		env["POSTGRES_USER"] = p.User
		env["POSTGRES_PASSWORD"] = p.Password
	default:
		env["MYSQL_HOST"] = host
		env["MYSQL_DATABASE"] = p.Name
		env["MYSQL_USER"] = p.User
		env["MYSQL_PASSWORD"] = p.Password
	}
	return env
}

// Manifest converts the stack into a compose file. Host paths are written
// relative to the work dir.
func (s *Stack) Manifest(workDir string) *File {
	f := &File{Services: map[string]Service{}}
	app := service(s.App, workDir)
	if s.DB != nil {
		f.Services["db"] = service(*s.DB, workDir)
		app.DependsOn = []string{"db"}
	}
	f.Services["app"] = app
	return f
}

func service(o models.RunOptions, workDir string) Service {
	svc := Service{
		Image:         o.Image,
		ContainerName: o.Name,
		Restart:       o.Restart,
		Environment:   o.Env,
	}

	hostPorts := make([]int, 0, len(o.Ports))
	for hp := range o.Ports {
		hostPorts = append(hostPorts, hp)
	}
	sort.Ints(hostPorts)
	for _, hp := range hostPorts {
		svc.Ports = append(svc.Ports, strconv.Itoa(hp)+":"+strconv.Itoa(o.Ports[hp]))
	}

	for host, target := range o.Mounts {
		if rel, err := filepath.Rel(workDir, host); err == nil && filepath.IsLocal(rel) {
			host = "./" + filepath.ToSlash(rel)
		}
		svc.Volumes = append(svc.Volumes, host+":"+target)
	}
	sort.Strings(svc.Volumes)
	return svc
}

// Marshal renders the manifest as YAML.
func (f *File) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("rendering compose manifest: %w", err)
	}
	return data, nil
}

// Unmarshal parses a compose manifest.
func Unmarshal(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing compose manifest: %w", err)
	}
	return &f, nil
}

// WriteFile writes the stack's manifest to dir as docker-compose-<ts>.yml.
func WriteFile(dir string, s *Stack, workDir string, now time.Time) (string, error) {
	data, err := s.Manifest(workDir).Marshal()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating compose dir: %w", err)
	}
	path := filepath.Join(dir, "docker-compose-"+now.Format("20060102_150405")+".yml")
	// Holds database credentials.
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("writing compose manifest: %w", err)
	}
	return path, nil
}
