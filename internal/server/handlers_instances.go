package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/jordan13p/websocket-test/internal/coordination"
	apperrors "github.com/jordan13p/websocket-test/internal/errors"
	"github.com/labstack/echo/v4"
	"github.com/sony/gobreaker"
)

const instancesTimeout = 3 * time.Second

var instanceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

type instancesResponse struct {
	Self      string                      `json:"self"`
	Count     int                         `json:"count"`
	Instances []coordination.InstanceInfo `json:"instances"`
}

func (s *Server) handleInstances(c echo.Context) error {
	instances, err := s.activeInstances(c.Request().Context())
	if err != nil {
		return err
	}

	response := instancesResponse{
		Self:      s.health.Snapshot().Identity.InstanceID,
		Count:     len(instances),
		Instances: instances,
	}
	if err := c.JSON(http.StatusOK, response); err != nil {
		return fmt.Errorf("failed to write instances response: %w", err)
	}
	return nil
}

func (s *Server) handleInstance(c echo.Context) error {
	id := c.Param("id")
	if !instanceIDPattern.MatchString(id) {
		return apperrors.ValidationError("invalid instance id").WithContext("instance_id", id)
	}

	instances, err := s.activeInstances(c.Request().Context())
	if err != nil {
		return err
	}

	for _, inst := range instances {
		if inst.InstanceID == id {
			if err := c.JSON(http.StatusOK, inst); err != nil {
				return fmt.Errorf("failed to write instance response: %w", err)
			}
			return nil
		}
	}
	return apperrors.NotFoundError("instance not found").WithContext("instance_id", id)
}

func (s *Server) activeInstances(ctx context.Context) ([]coordination.InstanceInfo, error) {
	if s.instances == nil {
		return nil, apperrors.UnavailableError("peer discovery is disabled, set REDIS_URL to enable it", nil)
	}

	ctx, cancel := context.WithTimeout(ctx, instancesTimeout)
	defer cancel()

	instances, err := s.instances.ActiveInstances(ctx)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, apperrors.UnavailableError("instance registry temporarily unavailable", err)
		}
		return nil, apperrors.ExternalError("failed to list instances", err)
	}
	return instances, nil
}
