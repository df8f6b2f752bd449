package server

import (
	"encoding/json"
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/naralabs/nara/pkg/configutil"
	"github.com/naralabs/nara/pkg/pipeline"
	"github.com/naralabs/nara/pkg/store"
)

// pipelineSchema validates create and update bodies before they are
// decoded, so a typo in a field name is a 400 and not a silent drop.
const pipelineSchema = `{
  "type": "object",
  "properties": {
    "id": {"type": "string"},
    "name": {"type": "string", "minLength": 1},
    "language": {"type": "string"},
    "wake_engine": {"type": "string"},
    "stt_engine": {"type": "string"},
    "conversation_engine": {"type": "string"},
    "tts_engine": {"type": "string"},
    "tts_voice": {"type": "string"},
    "tts_output": {"type": "object"}
  },
  "required": ["name"],
  "additionalProperties": false
}`

var compiledPipelineSchema = configutil.MustCompileSchema("pipeline.json", pipelineSchema)

func (s *Server) handleListPipelines(c *fiber.Ctx) error {
	items, err := s.deps.Pipelines.List()
	if err != nil {
		return apiError(c, fiber.StatusInternalServerError, "store_failed", err.Error())
	}
	return c.JSON(fiber.Map{
		"preferred": s.deps.Pipelines.Preferred(),
		"pipelines": items,
	})
}

func (s *Server) handleGetPipeline(c *fiber.Ctx) error {
	cfg, err := s.deps.Pipelines.Get(trimID(c.Params("id")))
	if err != nil {
		return storeError(c, err)
	}
	return c.JSON(cfg)
}

func (s *Server) handleCreatePipeline(c *fiber.Ctx) error {
	cfg, err := decodePipelineBody(c.Body())
	if err != nil {
		return apiError(c, fiber.StatusBadRequest, "invalid_body", err.Error())
	}
	created, err := s.deps.Pipelines.Create(cfg)
	if err != nil {
		return storeError(c, err)
	}
	s.logger.Info("pipeline_created", "pipeline_id", created.ID, "name", created.Name)
	return c.Status(fiber.StatusCreated).JSON(created)
}

func (s *Server) handleUpdatePipeline(c *fiber.Ctx) error {
	cfg, err := decodePipelineBody(c.Body())
	if err != nil {
		return apiError(c, fiber.StatusBadRequest, "invalid_body", err.Error())
	}
	cfg.ID = trimID(c.Params("id"))
	updated, err := s.deps.Pipelines.Update(cfg)
	if err != nil {
		return storeError(c, err)
	}
	s.logger.Info("pipeline_updated", "pipeline_id", updated.ID)
	return c.JSON(updated)
}

func (s *Server) handleDeletePipeline(c *fiber.Ctx) error {
	id := trimID(c.Params("id"))
	if err := s.deps.Pipelines.Delete(id); err != nil {
		return storeError(c, err)
	}
	s.logger.Info("pipeline_deleted", "pipeline_id", id)
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handlePreferPipeline(c *fiber.Ctx) error {
	id := trimID(c.Params("id"))
	if err := s.deps.Pipelines.SetPreferred(id); err != nil {
		return storeError(c, err)
	}
	s.logger.Info("pipeline_preferred", "pipeline_id", id)
	return c.JSON(fiber.Map{"preferred": id})
}

func decodePipelineBody(body []byte) (pipeline.Config, error) {
	if err := configutil.ValidateBytes(compiledPipelineSchema, body); err != nil {
		return pipeline.Config{}, err
	}
	var cfg pipeline.Config
	if err := json.Unmarshal(body, &cfg); err != nil {
		return pipeline.Config{}, err
	}
	return cfg, nil
}

func storeError(c *fiber.Ctx, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return apiError(c, fiber.StatusNotFound, "pipeline_not_found", err.Error())
	}
	return apiError(c, reasonStatus(err), "store_rejected", err.Error())
}
