package recorder

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/go-fiducial/pkg/pipeline"
	"github.com/teslashibe/go-fiducial/pkg/protocol"
)

// poseJSON is one recorded pose on the API.
type poseJSON struct {
	ID           int           `json:"id"`
	FrameID      string        `json:"frame_id"`
	ChildFrameID string        `json:"child_frame_id"`
	Stamp        int64         `json:"stamp_ns"`
	Confidence   float64       `json:"confidence"`
	Pose         protocol.Pose `json:"pose"`
}

func toPoseJSON(r pipeline.MarkerPoseRecord) poseJSON {
	return poseJSON{
		ID:           r.ID,
		FrameID:      r.FrameID,
		ChildFrameID: r.ChildFrameID,
		Stamp:        protocol.Stamp(r.Stamp),
		Confidence:   r.Confidence,
		Pose:         protocol.PoseFromTransform(r.Pose),
	}
}

// RegisterAPIRoutes registers pose history routes
func (s *Store) RegisterAPIRoutes(api fiber.Router) {
	api.Get("/sessions", func(c *fiber.Ctx) error {
		sessions, err := s.Sessions(c.UserContext())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(fiber.Map{
			"current":  s.SessionID(),
			"sessions": sessions,
		})
	})

	api.Get("/markers/:id/history", func(c *fiber.Ctx) error {
		id, err := strconv.Atoi(c.Params("id"))
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "marker id must be an integer"})
		}
		limit := c.QueryInt("limit", 100)

		recs, err := s.History(c.UserContext(), id, limit)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		}
		out := make([]poseJSON, len(recs))
		for i, r := range recs {
			out[i] = toPoseJSON(r)
		}
		return c.JSON(fiber.Map{"id": id, "poses": out})
	})

	api.Get("/markers/:id/latest", func(c *fiber.Ctx) error {
		id, err := strconv.Atoi(c.Params("id"))
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "marker id must be an integer"})
		}
		r, err := s.Latest(c.UserContext(), id)
		if errors.Is(err, ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
		}
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(toPoseJSON(r))
	})
}
