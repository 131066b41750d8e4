package matcher

import (
	"encoding/json"
	"log/slog"

	"venue_go/internal/domain"

	"github.com/IBM/sarama"
)

// Handler consumes the command topic. Offsets are marked only after a command is committed;
// a processing error ends the session so the group restarts from the last marked offset.
type Handler struct {
	proc *Processor
}

func NewHandler(proc *Processor) *Handler {
	return &Handler{proc: proc}
}

func (h *Handler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *Handler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *Handler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			cmd, err := decodeCommand(msg.Value)
			if err != nil {
				slog.Error("Dropping malformed command",
					slog.Int("partition", int(msg.Partition)),
					slog.Int64("offset", msg.Offset),
					slog.Any("error", err),
				)
				session.MarkMessage(msg, "")
				continue
			}

			if _, err := h.proc.Process(session.Context(), cmd); err != nil {
				slog.Error("Command processing failed, restarting session",
					slog.String("command_id", cmd.CommandID),
					slog.String("symbol", cmd.Symbol),
					slog.Int64("offset", msg.Offset),
					slog.Any("error", err),
				)
				return err
			}
			session.MarkMessage(msg, "")
		}
	}
}

func decodeCommand(data []byte) (*domain.OrderCommand, error) {
	var cmd domain.OrderCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, err
	}
	if cmd.CommandID == "" {
		return nil, &domain.ValidationError{Field: "commandId", Reason: "required"}
	}
	if cmd.Symbol == "" {
		return nil, &domain.ValidationError{Field: "symbol", Reason: "required"}
	}
	if !cmd.Side.Valid() {
		return nil, &domain.ValidationError{Field: "side", Reason: domain.ReasonInvalidSide}
	}
	if !cmd.Type.Valid() {
		return nil, &domain.ValidationError{Field: "type", Reason: domain.ReasonInvalidType}
	}
	return &cmd, nil
}
