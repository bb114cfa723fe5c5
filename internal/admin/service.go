package admin

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"time"

	"offline_portfolio/internal/worker"
)

const defaultDeployTimeout = time.Minute

var (
	ErrInvalidVersion = errors.New("invalid cache version")
	versionPattern    = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)
)

// Controller is the registration surface the admin and control planes drive.
type Controller interface {
	Status() worker.Status
	Caches() ([]string, error)
	Update(ctx context.Context, version string) error
}

// Service holds the operations shared by the admin HTTP handler and the gRPC
// control service.
type Service struct {
	controller    Controller
	history       *History
	deployTimeout time.Duration
}

func NewService(controller Controller, history *History, deployTimeout time.Duration) *Service {
	if history == nil {
		history = NewHistory(0)
	}
	if deployTimeout <= 0 {
		deployTimeout = defaultDeployTimeout
	}
	return &Service{controller: controller, history: history, deployTimeout: deployTimeout}
}

func ValidateVersion(version string) error {
	if !versionPattern.MatchString(version) {
		return fmt.Errorf("%w: %q", ErrInvalidVersion, version)
	}
	return nil
}

func (s *Service) Status() worker.Status {
	return s.controller.Status()
}

func (s *Service) Caches() ([]string, error) {
	return s.controller.Caches()
}

func (s *Service) History() []Deploy {
	return s.history.List()
}

// Deploy installs version and records the attempt. The install is detached
// from ctx cancellation so a dropped caller cannot leave it half done.
func (s *Service) Deploy(ctx context.Context, version string, source string) (Deploy, error) {
	entry := Deploy{Version: version, RequestedAt: time.Now().UTC(), Source: source}
	if err := ValidateVersion(version); err != nil {
		entry.Result = "rejected"
		entry.Error = err.Error()
		s.history.Record(entry)
		return entry, err
	}

	deployCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.deployTimeout)
	defer cancel()
	start := time.Now()
	err := s.controller.Update(deployCtx, version)
	entry.Duration = time.Since(start).String()
	if err != nil {
		entry.Result = "failed"
		entry.Error = err.Error()
		log.Printf("deploy failed version=%s source=%s error=%v", version, source, err)
	} else {
		entry.Result = "ok"
		log.Printf("deploy ok version=%s source=%s duration=%s", version, source, entry.Duration)
	}
	s.history.Record(entry)
	return entry, err
}
