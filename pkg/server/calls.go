package server

import (
	"encoding/json"

	"github.com/gofiber/fiber/v2"

	"github.com/naralabs/nara/pkg/configutil"
)

const callSchema = `{
  "type": "object",
  "properties": {
    "to": {"type": "string", "minLength": 1},
    "from": {"type": "string", "minLength": 1}
  },
  "required": ["to", "from"],
  "additionalProperties": false
}`

var compiledCallSchema = configutil.MustCompileSchema("call.json", callSchema)

// handleDialCall places an outbound call through the telephony
// transport; the answered call attaches to a pipeline run like any
// inbound one.
func (s *Server) handleDialCall(c *fiber.Ctx) error {
	if s.deps.Dialer == nil {
		return apiError(c, fiber.StatusServiceUnavailable, "telephony_disabled", "no dialer configured")
	}
	if err := configutil.ValidateBytes(compiledCallSchema, c.Body()); err != nil {
		return apiError(c, fiber.StatusBadRequest, "invalid_body", err.Error())
	}
	var req struct {
		To   string `json:"to"`
		From string `json:"from"`
	}
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return apiError(c, fiber.StatusBadRequest, "invalid_body", "malformed body")
	}

	callID, err := s.deps.Dialer.Dial(s.runContext(), req.To, req.From)
	if err != nil {
		return apiError(c, fiber.StatusBadGateway, "dial_failed", err.Error())
	}
	s.logger.Info("call_placed", "call_id", callID, "to", req.To)
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"call_id": callID})
}
