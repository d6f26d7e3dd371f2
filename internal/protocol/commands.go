package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/faradayfan/cluster-harness/internal/topology"
)

// Request types (m.Type)
const (
	CmdInstallServer      = "server.install"
	CmdUninstallServer    = "server.uninstall"
	CmdCreateServer       = "server.create"
	CmdStopServer         = "server.stop"
	CmdWaitForServerState = "server.wait"
	CmdServerState        = "server.state"
	CmdServerPaths        = "server.paths"
	CmdProxyGroupPorts    = "server.proxy_ports"
	CmdDisrupt            = "server.disrupt"
	CmdUndisrupt          = "server.undisrupt"
	CmdRefreshLinks       = "server.refresh_links"
	CmdServerJcmd         = "server.jcmd"

	CmdInstallTms   = "tms.install"
	CmdUninstallTms = "tms.uninstall"
	CmdStartTms     = "tms.start"
	CmdStopTms      = "tms.stop"
	CmdTmsState     = "tms.state"
	CmdTmsPaths     = "tms.paths"

	CmdInstallVoter   = "voter.install"
	CmdUninstallVoter = "voter.uninstall"
	CmdStartVoter     = "voter.start"
	CmdStopVoter      = "voter.stop"
	CmdVoterState     = "voter.state"

	CmdInstallTool   = "tool.install"
	CmdUninstallTool = "tool.uninstall"
	CmdExecuteTool   = "tool.execute"
	CmdToolPaths     = "tool.paths"

	CmdClientJcmd   = "client.jcmd"
	CmdStopClient   = "client.stop"
	CmdDeleteClient = "client.delete"

	CmdInstanceWorkDir = "instance.work_dir"
	CmdReceiveKit      = "files.receive_kit"
	CmdReceiveFiles    = "files.receive"
	CmdStreamFolder    = "files.stream"
	CmdListFiles       = "files.list"
	CmdListFolders     = "files.list_folders"
	CmdDownloadFile    = "files.download"
	CmdUploadFile      = "files.upload"
	CmdDownloadFolder  = "files.download_folder"
	CmdNodeAttributes  = "node.attributes"
	CmdPing            = "node.ping"
)

// Command is a request an agent knows how to execute.
type Command interface {
	CommandType() string
}

type InstallServer struct {
	InstanceID topology.InstanceID `json:"instance_id"`
	Server     topology.Server     `json:"server"`
	Topology   *topology.Topology  `json:"topology"`
	License    *topology.License   `json:"license,omitempty"`
	Kit        topology.KitSpec    `json:"kit"`
}

type ServerRef struct {
	InstanceID topology.InstanceID `json:"instance_id"`
	Server     string              `json:"server"`
}

type UninstallServer struct{ ServerRef }

type CreateServer struct {
	ServerRef
	Env          topology.CommandLineEnv `json:"env"`
	EnvOverrides map[string]string       `json:"env_overrides,omitempty"`
	Args         []string                `json:"args,omitempty"`
}

type StopServer struct{ ServerRef }

type WaitForServerState struct {
	ServerRef
	States []topology.ServerState `json:"states"`
}

type ServerState struct{ ServerRef }

type ServerPaths struct{ ServerRef }

// PathsResult describes where an installation lives on the agent.
type PathsResult struct {
	KitDir      string `json:"kit_dir"`
	WorkDir     string `json:"work_dir"`
	InstallDir  string `json:"install_dir"`
	LicensePath string `json:"license_path,omitempty"`
}

type ProxyGroupPorts struct{ ServerRef }

type Disrupt struct {
	ServerRef
	Targets []string `json:"targets"`
}

type Undisrupt struct {
	ServerRef
	Targets []string `json:"targets"`
}

type RefreshLinks struct {
	ServerRef
	Topology *topology.Topology `json:"topology"`
}

type ServerJcmd struct {
	ServerRef
	Env  topology.CommandLineEnv `json:"env"`
	Args []string                `json:"args"`
}

type InstallTms struct {
	InstanceID   topology.InstanceID   `json:"instance_id"`
	Tms          topology.Tms          `json:"tms"`
	Distribution topology.Distribution `json:"distribution"`
	License      *topology.License     `json:"license,omitempty"`
	Kit          topology.KitSpec      `json:"kit"`
}

type TmsRef struct {
	InstanceID topology.InstanceID `json:"instance_id"`
}

type UninstallTms struct{ TmsRef }

type StartTms struct {
	TmsRef
	Env          topology.CommandLineEnv `json:"env"`
	EnvOverrides map[string]string       `json:"env_overrides,omitempty"`
}

type StopTms struct{ TmsRef }

type TmsState struct{ TmsRef }

type TmsPaths struct{ TmsRef }

type InstallVoter struct {
	InstanceID   topology.InstanceID   `json:"instance_id"`
	Voter        topology.Voter        `json:"voter"`
	Distribution topology.Distribution `json:"distribution"`
	License      *topology.License     `json:"license,omitempty"`
	Kit          topology.KitSpec      `json:"kit"`
}

type VoterRef struct {
	InstanceID topology.InstanceID `json:"instance_id"`
	Voter      string              `json:"voter"`
}

type UninstallVoter struct{ VoterRef }

type StartVoter struct {
	VoterRef
	Env          topology.CommandLineEnv `json:"env"`
	EnvOverrides map[string]string       `json:"env_overrides,omitempty"`
}

type StopVoter struct{ VoterRef }

type VoterState struct{ VoterRef }

type InstallTool struct {
	InstanceID   topology.InstanceID   `json:"instance_id"`
	Tool         topology.ToolKind     `json:"tool"`
	Distribution topology.Distribution `json:"distribution"`
	License      *topology.License     `json:"license,omitempty"`
	Kit          topology.KitSpec      `json:"kit"`
}

type ToolRef struct {
	InstanceID topology.InstanceID `json:"instance_id"`
	Tool       topology.ToolKind   `json:"tool"`
}

type UninstallTool struct{ ToolRef }

type ExecuteTool struct {
	ToolRef
	Env  map[string]string `json:"env,omitempty"`
	Args []string          `json:"args"`
}

type ToolPaths struct{ ToolRef }

type ClientJcmd struct {
	PID  int                     `json:"pid"`
	Env  topology.CommandLineEnv `json:"env"`
	Args []string                `json:"args"`
}

type StopClient struct {
	PID int `json:"pid"`
}

type DeleteClient struct {
	InstanceID topology.InstanceID `json:"instance_id"`
	Subdir     string              `json:"subdir"`
}

type InstanceWorkDir struct {
	InstanceID topology.InstanceID `json:"instance_id"`
}

// ReceiveKit consumes a transfer channel into the agent's kit root.
type ReceiveKit struct {
	InstanceID topology.InstanceID `json:"instance_id"`
	KitName    string              `json:"kit_name"`
	Channel    string              `json:"channel"`
}

// ReceiveFiles consumes a transfer channel into Path. A relative Path is
// resolved against the instance work directory.
type ReceiveFiles struct {
	InstanceID topology.InstanceID `json:"instance_id"`
	Path       string              `json:"path"`
	Channel    string              `json:"channel"`
}

// StreamFolder asks the agent to push a directory tree to the hub.
type StreamFolder struct {
	Path    string `json:"path"`
	Channel string `json:"channel"`
}

type ListFiles struct {
	Path string `json:"path"`
}

type ListFolders struct {
	Path string `json:"path"`
}

type DownloadFile struct {
	Path string `json:"path"`
}

type UploadFile struct {
	Path    string `json:"path"`
	Content []byte `json:"content"`
}

type DownloadFolder struct {
	Path string `json:"path"`
}

type NodeAttributes struct{}

type Ping struct {
	Value string `json:"value"`
}

func (InstallServer) CommandType() string      { return CmdInstallServer }
func (UninstallServer) CommandType() string    { return CmdUninstallServer }
func (CreateServer) CommandType() string       { return CmdCreateServer }
func (StopServer) CommandType() string         { return CmdStopServer }
func (WaitForServerState) CommandType() string { return CmdWaitForServerState }
func (ServerState) CommandType() string        { return CmdServerState }
func (ServerPaths) CommandType() string        { return CmdServerPaths }
func (ProxyGroupPorts) CommandType() string    { return CmdProxyGroupPorts }
func (Disrupt) CommandType() string            { return CmdDisrupt }
func (Undisrupt) CommandType() string          { return CmdUndisrupt }
func (RefreshLinks) CommandType() string       { return CmdRefreshLinks }
func (ServerJcmd) CommandType() string         { return CmdServerJcmd }
func (InstallTms) CommandType() string         { return CmdInstallTms }
func (UninstallTms) CommandType() string       { return CmdUninstallTms }
func (StartTms) CommandType() string           { return CmdStartTms }
func (StopTms) CommandType() string            { return CmdStopTms }
func (TmsState) CommandType() string           { return CmdTmsState }
func (TmsPaths) CommandType() string           { return CmdTmsPaths }
func (InstallVoter) CommandType() string       { return CmdInstallVoter }
func (UninstallVoter) CommandType() string     { return CmdUninstallVoter }
func (StartVoter) CommandType() string         { return CmdStartVoter }
func (StopVoter) CommandType() string          { return CmdStopVoter }
func (VoterState) CommandType() string         { return CmdVoterState }
func (InstallTool) CommandType() string        { return CmdInstallTool }
func (UninstallTool) CommandType() string      { return CmdUninstallTool }
func (ExecuteTool) CommandType() string        { return CmdExecuteTool }
func (ToolPaths) CommandType() string          { return CmdToolPaths }
func (ClientJcmd) CommandType() string         { return CmdClientJcmd }
func (StopClient) CommandType() string         { return CmdStopClient }
func (DeleteClient) CommandType() string       { return CmdDeleteClient }
func (InstanceWorkDir) CommandType() string    { return CmdInstanceWorkDir }
func (ReceiveKit) CommandType() string         { return CmdReceiveKit }
func (ReceiveFiles) CommandType() string       { return CmdReceiveFiles }
func (StreamFolder) CommandType() string       { return CmdStreamFolder }
func (ListFiles) CommandType() string          { return CmdListFiles }
func (ListFolders) CommandType() string        { return CmdListFolders }
func (DownloadFile) CommandType() string       { return CmdDownloadFile }
func (UploadFile) CommandType() string         { return CmdUploadFile }
func (DownloadFolder) CommandType() string     { return CmdDownloadFolder }
func (NodeAttributes) CommandType() string     { return CmdNodeAttributes }
func (Ping) CommandType() string               { return CmdPing }

var decoders = map[string]func(json.RawMessage) (Command, error){}

func register[T Command]() {
	var zero T
	decoders[zero.CommandType()] = func(b json.RawMessage) (Command, error) {
		var c T
		if len(b) > 0 {
			if err := json.Unmarshal(b, &c); err != nil {
				return nil, err
			}
		}
		return c, nil
	}
}

func init() {
	register[InstallServer]()
	register[UninstallServer]()
	register[CreateServer]()
	register[StopServer]()
	register[WaitForServerState]()
	register[ServerState]()
	register[ServerPaths]()
	register[ProxyGroupPorts]()
	register[Disrupt]()
	register[Undisrupt]()
	register[RefreshLinks]()
	register[ServerJcmd]()
	register[InstallTms]()
	register[UninstallTms]()
	register[StartTms]()
	register[StopTms]()
	register[TmsState]()
	register[TmsPaths]()
	register[InstallVoter]()
	register[UninstallVoter]()
	register[StartVoter]()
	register[StopVoter]()
	register[VoterState]()
	register[InstallTool]()
	register[UninstallTool]()
	register[ExecuteTool]()
	register[ToolPaths]()
	register[ClientJcmd]()
	register[StopClient]()
	register[DeleteClient]()
	register[InstanceWorkDir]()
	register[ReceiveKit]()
	register[ReceiveFiles]()
	register[StreamFolder]()
	register[ListFiles]()
	register[ListFolders]()
	register[DownloadFile]()
	register[UploadFile]()
	register[DownloadFolder]()
	register[NodeAttributes]()
	register[Ping]()
}

// Decode rebuilds the command carried by a request payload.
func Decode(typ string, payload json.RawMessage) (Command, error) {
	dec, ok := decoders[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, typ)
	}
	cmd, err := dec(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: bad %s payload: %v", ErrProtocol, typ, err)
	}
	return cmd, nil
}
