package control

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/faradayfan/cluster-harness/internal/agent"
	"github.com/faradayfan/cluster-harness/internal/protocol"
)

// Handler executes commands against an agent controller, either straight
// from a local caller or from a fabric request.
type Handler struct {
	NodeID     string
	Controller *agent.Controller

	log zerolog.Logger
}

func NewHandler(nodeID string, c *agent.Controller, log zerolog.Logger) *Handler {
	return &Handler{
		NodeID:     nodeID,
		Controller: c,
		log:        log.With().Str("module", "control").Logger(),
	}
}

// Handle answers one request message.
func (h *Handler) Handle(ctx context.Context, msg protocol.Message) protocol.Message {
	result, err := h.handle(ctx, msg)
	if err != nil {
		h.log.Debug().Err(err).Str("type", msg.Type).Str("id", msg.ID).Msg("request failed")
	}
	resp, encErr := protocol.NewResponse(h.NodeID, msg.ID, result, err)
	if encErr != nil {
		resp, _ = protocol.NewResponse(h.NodeID, msg.ID, nil, fmt.Errorf("encode %s result: %w", msg.Type, encErr))
	}
	return resp
}

func (h *Handler) handle(ctx context.Context, msg protocol.Message) (any, error) {
	if err := msg.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrProtocol, err)
	}
	if msg.Kind != protocol.KindRequest && msg.Kind != protocol.KindOneWay {
		return nil, fmt.Errorf("%w: handler only accepts requests", protocol.ErrProtocol)
	}
	cmd, err := protocol.Decode(msg.Type, msg.Payload)
	if err != nil {
		return nil, err
	}
	return h.Dispatch(ctx, cmd)
}

// Dispatch runs cmd and returns its result value. Commands without a result
// return nil.
func (h *Handler) Dispatch(ctx context.Context, cmd protocol.Command) (any, error) {
	c := h.Controller
	switch cmd := cmd.(type) {

	// --------------------
	// Servers
	// --------------------
	case protocol.InstallServer:
		return c.InstallServer(ctx, cmd)
	case protocol.UninstallServer:
		return nil, c.UninstallServer(ctx, cmd.ServerRef)
	case protocol.CreateServer:
		return nil, c.CreateServer(ctx, cmd)
	case protocol.StopServer:
		return nil, c.StopServer(ctx, cmd.ServerRef)
	case protocol.WaitForServerState:
		return nil, c.WaitForServerState(ctx, cmd)
	case protocol.ServerState:
		return c.ServerState(cmd.ServerRef), nil
	case protocol.ServerPaths:
		return c.ServerPaths(cmd.ServerRef)
	case protocol.ProxyGroupPorts:
		return c.ProxyGroupPorts(cmd.ServerRef)
	case protocol.Disrupt:
		return nil, c.Disrupt(cmd)
	case protocol.Undisrupt:
		return nil, c.Undisrupt(cmd)
	case protocol.RefreshLinks:
		return nil, c.RefreshLinks(cmd)
	case protocol.ServerJcmd:
		return c.ServerJcmd(ctx, cmd)

	// --------------------
	// Management server
	// --------------------
	case protocol.InstallTms:
		return c.InstallTms(ctx, cmd)
	case protocol.UninstallTms:
		return nil, c.UninstallTms(ctx, cmd.TmsRef)
	case protocol.StartTms:
		return nil, c.StartTms(ctx, cmd)
	case protocol.StopTms:
		return nil, c.StopTms(ctx, cmd.TmsRef)
	case protocol.TmsState:
		return c.TmsState(cmd.TmsRef), nil
	case protocol.TmsPaths:
		return c.TmsPaths(cmd.TmsRef)

	// --------------------
	// Voters
	// --------------------
	case protocol.InstallVoter:
		return c.InstallVoter(ctx, cmd)
	case protocol.UninstallVoter:
		return nil, c.UninstallVoter(ctx, cmd.VoterRef)
	case protocol.StartVoter:
		return nil, c.StartVoter(ctx, cmd)
	case protocol.StopVoter:
		return nil, c.StopVoter(ctx, cmd.VoterRef)
	case protocol.VoterState:
		return c.VoterState(cmd.VoterRef), nil

	// --------------------
	// Tools and clients
	// --------------------
	case protocol.InstallTool:
		return c.InstallTool(ctx, cmd)
	case protocol.UninstallTool:
		return nil, c.UninstallTool(ctx, cmd.ToolRef)
	case protocol.ExecuteTool:
		return c.ExecuteTool(ctx, cmd)
	case protocol.ToolPaths:
		return c.ToolPaths(cmd.ToolRef)
	case protocol.ClientJcmd:
		return c.ClientJcmd(ctx, cmd)
	case protocol.StopClient:
		return nil, c.StopClient(ctx, cmd)
	case protocol.DeleteClient:
		return nil, c.DeleteClient(ctx, cmd)

	// --------------------
	// Files and node
	// --------------------
	case protocol.InstanceWorkDir:
		return c.InstanceWorkDir(cmd.InstanceID)
	case protocol.ReceiveKit:
		return nil, c.ReceiveKit(ctx, cmd)
	case protocol.ReceiveFiles:
		return nil, c.ReceiveFiles(ctx, cmd)
	case protocol.StreamFolder:
		return nil, c.StreamFolder(ctx, cmd)
	case protocol.ListFiles:
		return c.ListFiles(cmd.Path)
	case protocol.ListFolders:
		return c.ListFolders(cmd.Path)
	case protocol.DownloadFile:
		return c.DownloadFile(cmd.Path)
	case protocol.UploadFile:
		return nil, c.UploadFile(cmd.Path, cmd.Content)
	case protocol.DownloadFolder:
		return c.DownloadFolder(cmd.Path)
	case protocol.NodeAttributes:
		return c.NodeAttributes(ctx), nil
	case protocol.Ping:
		return cmd.Value, nil

	default:
		return nil, fmt.Errorf("%w: %s", protocol.ErrUnknownCommand, cmd.CommandType())
	}
}
