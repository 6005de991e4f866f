package grpcapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/domain"
	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/events"
)

// Client talks to a CyberDuel gRPC server.
type Client struct {
	cc     grpc.ClientConnInterface
	apiKey string
}

func NewClient(cc grpc.ClientConnInterface, apiKey string) *Client {
	return &Client{cc: cc, apiKey: apiKey}
}

func (c *Client) outgoing(ctx context.Context) context.Context {
	if c.apiKey == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, apiKeyMetadata, c.apiKey)
}

// ListAttacks returns the catalog filtered by the non-empty arguments.
func (c *Client) ListAttacks(ctx context.Context, tactic, severity, query string) ([]domain.AttackTechnique, error) {
	req, err := structpb.NewStruct(map[string]any{"tactic": tactic, "severity": severity, "q": query})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(c.outgoing(ctx), methodListAttacks, req, out); err != nil {
		return nil, err
	}

	var resp struct {
		Attacks []domain.AttackTechnique `json:"attacks"`
	}
	if err := fromStruct(out, &resp); err != nil {
		return nil, err
	}
	return resp.Attacks, nil
}

func (c *Client) GetAttack(ctx context.Context, ttpID string) (domain.AttackTechnique, error) {
	req, err := structpb.NewStruct(map[string]any{"ttp_id": ttpID})
	if err != nil {
		return domain.AttackTechnique{}, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(c.outgoing(ctx), methodGetAttack, req, out); err != nil {
		return domain.AttackTechnique{}, err
	}

	var resp struct {
		Attack domain.AttackTechnique `json:"attack"`
	}
	if err := fromStruct(out, &resp); err != nil {
		return domain.AttackTechnique{}, err
	}
	return resp.Attack, nil
}

// Execute submits job and calls onEvent for every streamed event. It returns
// after the completion message.
func (c *Client) Execute(ctx context.Context, job domain.TestJob, onEvent func(events.LogEvent)) error {
	req, err := toStruct(job)
	if err != nil {
		return err
	}

	stream, err := c.cc.NewStream(c.outgoing(ctx), &ServiceDesc.Streams[0], methodExecute)
	if err != nil {
		return err
	}
	if err := stream.SendMsg(req); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}

	for {
		msg := new(structpb.Struct)
		err := stream.RecvMsg(msg)
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("stream closed without completion")
		}
		if err != nil {
			return err
		}
		if msg.GetFields()["status"].GetStringValue() == events.CompletedStatus {
			return nil
		}

		var ev events.LogEvent
		if err := fromStruct(msg, &ev); err != nil {
			return err
		}
		if onEvent != nil {
			onEvent(ev)
		}
	}
}

func fromStruct(s *structpb.Struct, v any) error {
	b, err := s.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	return nil
}
