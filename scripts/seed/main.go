// Command seed loads roles, departments and principals from a YAML file.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/odyssey-erp/odyssey-directory/internal/app"
	"github.com/odyssey-erp/odyssey-directory/internal/auth"
	"github.com/odyssey-erp/odyssey-directory/internal/departments"
	"github.com/odyssey-erp/odyssey-directory/internal/directory"
	"github.com/odyssey-erp/odyssey-directory/internal/platform/db"
	"github.com/odyssey-erp/odyssey-directory/internal/roles"
	"github.com/odyssey-erp/odyssey-directory/internal/shared"
)

type seedPrincipal struct {
	Name        string   `yaml:"name"`
	Email       string   `yaml:"email"`
	Secret      string   `yaml:"secret"`
	Role        string   `yaml:"role"`
	Department  string   `yaml:"department"`
	Manager     string   `yaml:"manager"`
	ReportCode  string   `yaml:"reportCode"`
	Status      string   `yaml:"status"`
	Permissions []string `yaml:"permissions"`
}

type seedFile struct {
	Roles       []roles.Role             `yaml:"roles"`
	Departments []departments.Department `yaml:"departments"`
	Principals  []seedPrincipal          `yaml:"principals"`
}

type roleSaver interface {
	SaveRole(ctx context.Context, role roles.Role) (roles.Role, error)
}

type departmentSaver interface {
	SaveDepartment(ctx context.Context, d departments.Department) (departments.Department, error)
}

type principalCreator interface {
	Create(ctx context.Context, in directory.CreateInput) (directory.Principal, error)
}

type summary struct {
	Roles       int
	Departments int
	Created     int
	Skipped     int
}

func main() {
	var (
		file    string
		migrate bool
		dryRun  bool
	)
	pflag.StringVarP(&file, "file", "f", "scripts/seed/directory.yml", "YAML seed file")
	pflag.BoolVar(&migrate, "migrate", true, "apply the schema before seeding")
	pflag.BoolVar(&dryRun, "dry-run", false, "parse and resolve the file without writing")
	pflag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, file, migrate, dryRun); err != nil {
		slog.Default().Error("seed failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, path string, migrate, dryRun bool) error {
	cfg, err := app.LoadConfig()
	if err != nil {
		return err
	}
	logger := app.NewLogger(cfg)

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open seed file: %w", err)
	}
	defer f.Close()
	seed, err := load(f)
	if err != nil {
		return err
	}
	if dryRun {
		logger.Info("seed file parsed",
			slog.Int("roles", len(seed.Roles)),
			slog.Int("departments", len(seed.Departments)),
			slog.Int("principals", len(seed.Principals)))
		return nil
	}

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		return err
	}
	defer pool.Close()
	if migrate {
		if err := db.Migrate(ctx, pool); err != nil {
			return err
		}
	}

	hasher := auth.NewHasher(cfg.HashCost())
	rolesService := roles.NewService(roles.NewRepository(pool), logger)
	departmentsService := departments.NewService(departments.NewRepository(pool), logger)
	directoryService := directory.NewService(directory.NewRepository(pool, hasher), hasher, logger, cfg.DirectoryOptions())
	directoryService.SetCatalogs(rolesService, departmentsService)

	sum, err := apply(ctx, seed, rolesService, departmentsService, directoryService, logger)
	if err != nil {
		return err
	}
	logger.Info("seed complete",
		slog.Int("roles", sum.Roles),
		slog.Int("departments", sum.Departments),
		slog.Int("created", sum.Created),
		slog.Int("skipped", sum.Skipped))
	return nil
}

func load(r io.Reader) (seedFile, error) {
	var seed seedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&seed); err != nil {
		return seedFile{}, fmt.Errorf("decode seed file: %w", err)
	}
	return seed, nil
}

// apply writes roles and departments, then principals in file order so a
// manager named by email must appear before its reports. Principals whose
// email already exists are skipped.
func apply(ctx context.Context, seed seedFile, rs roleSaver, ds departmentSaver, pc principalCreator, logger *slog.Logger) (summary, error) {
	var sum summary
	rolesByCode := make(map[string]roles.Role, len(seed.Roles))
	for _, role := range seed.Roles {
		saved, err := rs.SaveRole(ctx, role)
		if err != nil {
			return sum, fmt.Errorf("role %q: %w", role.Code, err)
		}
		rolesByCode[saved.Code] = saved
		sum.Roles++
	}
	deptsByCode := make(map[string]departments.Department, len(seed.Departments))
	for _, d := range seed.Departments {
		saved, err := ds.SaveDepartment(ctx, d)
		if err != nil {
			return sum, fmt.Errorf("department %q: %w", d.Code, err)
		}
		deptsByCode[saved.Code] = saved
		sum.Departments++
	}

	idsByEmail := make(map[string]directory.Principal, len(seed.Principals))
	for i, sp := range seed.Principals {
		role, ok := rolesByCode[shared.NormalizeCode(sp.Role)]
		if !ok {
			return sum, fmt.Errorf("principal %d (%s): role %q not defined in seed file", i, sp.Email, sp.Role)
		}
		in := directory.CreateInput{
			Name:               sp.Name,
			Email:              sp.Email,
			Secret:             sp.Secret,
			Role:               role.Snapshot(),
			ReportCode:         sp.ReportCode,
			Status:             directory.Status(sp.Status),
			GrantedPermissions: sp.Permissions,
		}
		if sp.Department != "" {
			d, ok := deptsByCode[shared.NormalizeCode(sp.Department)]
			if !ok {
				return sum, fmt.Errorf("principal %d (%s): department %q not defined in seed file", i, sp.Email, sp.Department)
			}
			snap := d.Snapshot()
			in.Department = &snap
		}
		if sp.Manager != "" {
			manager, ok := idsByEmail[shared.NormalizeEmail(sp.Manager)]
			if !ok {
				return sum, fmt.Errorf("principal %d (%s): manager %q must be listed earlier", i, sp.Email, sp.Manager)
			}
			in.ManagerRef = &manager.ID
		}
		p, err := pc.Create(ctx, in)
		if err != nil {
			var domainErr *shared.Error
			if errors.As(err, &domainErr) && domainErr.Field == "email" {
				logger.Info("principal exists, skipping", slog.String("email", sp.Email))
				sum.Skipped++
				continue
			}
			return sum, fmt.Errorf("principal %d (%s): %w", i, sp.Email, err)
		}
		idsByEmail[p.Email] = p
		sum.Created++
	}
	return sum, nil
}
