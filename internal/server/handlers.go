package server

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/morphoscope/nblast/internal/blaster"
	"github.com/morphoscope/nblast/internal/orchestrator"
	"github.com/morphoscope/nblast/internal/scoring"
	"github.com/morphoscope/nblast/pkg/dotprops"
)

// scoreRequest is the shared request body. Targets may be empty for
// all-by-all runs.
type scoreRequest struct {
	Queries []*dotprops.Dotprops `json:"queries"`
	Targets []*dotprops.Dotprops `json:"targets"`

	Aggregation string  `json:"aggregation"`
	UseAlpha    bool    `json:"use_alpha"`
	Normalized  *bool   `json:"normalized"`
	MaxDist     float64 `json:"max_dist"`
	ByType      bool    `json:"by_type"`

	SmartCriterion string  `json:"smart_criterion"`
	SmartThreshold float64 `json:"smart_threshold"`
	SmartStep      int     `json:"smart_step"`
}

type scoreResponse struct {
	Scores *scoring.ScoreTable `json:"scores"`
	Mask   [][]bool            `json:"mask,omitempty"`
}

func (s *Server) options(req *scoreRequest) orchestrator.Options {
	agg := req.Aggregation
	if agg == "" {
		agg = s.cfg.Aggregation
	}
	normalized := s.cfg.Normalized
	if req.Normalized != nil {
		normalized = *req.Normalized
	}
	opts := orchestrator.Options{
		Workers:    s.cfg.Workers,
		Agg:        blaster.Agg(agg),
		UseAlpha:   req.UseAlpha,
		Normalized: normalized,
		MaxDist:    req.MaxDist,
	}
	if s.lookup != nil {
		opts.ScoreFn = s.lookup
	}
	return opts
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) handleNBlast(c *fiber.Ctx) error {
	var req scoreRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	table, err := orchestrator.NBlast(c.Context(), req.Queries, req.Targets, s.options(&req))
	if err != nil {
		return scoringError(err)
	}
	return c.JSON(scoreResponse{Scores: table})
}

func (s *Server) handleAllByAll(c *fiber.Ctx) error {
	var req scoreRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	table, err := orchestrator.NBlastAllByAll(c.Context(), req.Queries, s.options(&req))
	if err != nil {
		return scoringError(err)
	}
	return c.JSON(scoreResponse{Scores: table})
}

func (s *Server) handleSmart(c *fiber.Ctx) error {
	var req scoreRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	smart := orchestrator.SmartOptions{
		Criterion:  orchestrator.SmartCriterion(req.SmartCriterion),
		Threshold:  req.SmartThreshold,
		CoarseStep: req.SmartStep,
	}
	if smart.Criterion == "" {
		smart.Criterion = orchestrator.SmartCriterion(s.cfg.SmartCriterion)
		smart.Threshold = s.cfg.SmartThreshold
		smart.CoarseStep = s.cfg.SmartStep
	}
	table, mask, err := orchestrator.NBlastSmart(c.Context(), req.Queries, req.Targets, s.options(&req), smart)
	if err != nil {
		return scoringError(err)
	}
	return c.JSON(scoreResponse{Scores: table, Mask: mask})
}

func (s *Server) handleSynBlast(c *fiber.Ctx) error {
	var req scoreRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	table, err := orchestrator.SynBlast(c.Context(), req.Queries, req.Targets, req.ByType, s.options(&req))
	if err != nil {
		return scoringError(err)
	}
	return c.JSON(scoreResponse{Scores: table})
}

// scoringError maps the engine error taxonomy onto HTTP statuses: bad input
// and bad configuration are the client's fault, a missing capability is a
// deployment problem.
func scoringError(err error) error {
	switch {
	case errors.Is(err, blaster.ErrTypeMismatch), errors.Is(err, blaster.ErrConfiguration):
		return fiber.NewError(fiber.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, blaster.ErrMissingCapability):
		return fiber.NewError(fiber.StatusNotImplemented, err.Error())
	}
	return err
}
