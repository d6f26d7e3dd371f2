package distribution

import (
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/faradayfan/cluster-harness/internal/topology"
)

// ServerLaunch is everything a builder needs to produce a server command.
type ServerLaunch struct {
	InstanceID   topology.InstanceID
	KitDir       string
	WorkDir      string
	Server       topology.Server
	Topology     *topology.Topology
	LicensePath  string
	ProxiedPorts map[string]int
	// Args replaces the generated arguments when set.
	Args []string
}

// builderSet holds the pure builders of one version family. A nil builder
// means the family does not ship that process.
type builderSet struct {
	server      func(d topology.Distribution, l ServerLaunch) []string
	configTool  func(d topology.Distribution, kitDir, securityDir string) []string
	clusterTool func(d topology.Distribution, kitDir string) []string
	voter       func(d topology.Distribution, kitDir string, v topology.Voter) []string
	tms         func(d topology.Distribution, kitDir string) []string
}

var families = map[topology.Family]builderSet{
	topology.Family107: {
		server:     server107,
		configTool: configTool107,
		voter:      voter107,
		tms:        tms107,
	},
	topology.Family102: {
		server:      serverWithConfigFile,
		clusterTool: clusterTool102,
		voter:       voter107,
		tms:         tms107,
	},
	topology.Family43: {
		server: serverWithConfigFile,
		tms:    tms43,
	},
}

func buildersFor(d topology.Distribution) (builderSet, error) {
	b, ok := families[d.Family()]
	if !ok {
		return builderSet{}, fmt.Errorf("no command builders for %s", d)
	}
	return b, nil
}

// ShellExt is the script extension of the agent platform.
func ShellExt() string {
	if runtime.GOOS == "windows" {
		return ".bat"
	}
	return ".sh"
}

// Root is where the product lives inside a kit.
func Root(d topology.Distribution, kitDir string) string {
	if d.PackageType == topology.PackageSagInstaller {
		return filepath.Join(kitDir, "TerracottaDB")
	}
	return kitDir
}

func ServerCommand(d topology.Distribution, l ServerLaunch) ([]string, error) {
	b, err := buildersFor(d)
	if err != nil {
		return nil, err
	}
	return b.server(d, l), nil
}

func ToolCommand(d topology.Distribution, kind topology.ToolKind, kitDir, securityDir string) ([]string, error) {
	b, err := buildersFor(d)
	if err != nil {
		return nil, err
	}
	switch kind {
	case topology.ConfigTool:
		if b.configTool == nil {
			return nil, fmt.Errorf("config tool is not available for version %s", d.Version)
		}
		return b.configTool(d, kitDir, securityDir), nil
	case topology.ClusterTool:
		if b.clusterTool == nil {
			return nil, fmt.Errorf("cluster tool is not available for version %s", d.Version)
		}
		return b.clusterTool(d, kitDir), nil
	default:
		return nil, fmt.Errorf("unknown tool %q", kind)
	}
}

func VoterCommand(d topology.Distribution, kitDir string, v topology.Voter) ([]string, error) {
	b, err := buildersFor(d)
	if err != nil {
		return nil, err
	}
	if b.voter == nil {
		return nil, fmt.Errorf("voter is not available for version %s", d.Version)
	}
	return b.voter(d, kitDir, v), nil
}

func TmsCommand(d topology.Distribution, kitDir string) ([]string, error) {
	b, err := buildersFor(d)
	if err != nil {
		return nil, err
	}
	if b.tms == nil {
		return nil, fmt.Errorf("management server is not available for version %s", d.Version)
	}
	return b.tms(d, kitDir), nil
}

// PluginDir is where server plugin jars go, relative to the kit dir.
func PluginDir(d topology.Distribution) string {
	rel := filepath.Join("server", "plugins", "lib")
	if d.PackageType == topology.PackageSagInstaller {
		return filepath.Join("TerracottaDB", rel)
	}
	return rel
}

// ClusterURI is the client connection string of servers. A server found in
// proxied is addressed through its proxy port on the coordinator host.
func ClusterURI(d topology.Distribution, servers []topology.Server, proxied map[string]int) string {
	addrs := make([]string, 0, len(servers))
	for _, s := range servers {
		port := s.TsaPort
		if p, ok := proxied[s.Name]; ok {
			port = p
		}
		addrs = append(addrs, s.Hostname+":"+strconv.Itoa(port))
	}
	joined := strings.Join(addrs, ",")
	if d.Family() == topology.Family43 {
		return joined
	}
	return "terracotta://" + joined
}

// JcmdCommand targets a live JVM by pid. It does not depend on the family.
func JcmdCommand(env topology.CommandLineEnv, pid int, args []string) []string {
	jcmd := "jcmd"
	if home := env.Vars()["JAVA_HOME"]; home != "" {
		jcmd = filepath.Join(home, "bin", "jcmd")
	}
	return append([]string{jcmd, strconv.Itoa(pid)}, args...)
}

func server107(d topology.Distribution, l ServerLaunch) []string {
	script := filepath.Join(Root(d, l.KitDir), "server", "bin", "start-tc-server"+ShellExt())
	if len(l.Args) > 0 {
		return append([]string{script}, l.Args...)
	}

	s := l.Server
	serverDir := filepath.Join(l.WorkDir, s.Name)
	out := []string{script, "-n", s.Name, "-s", s.Hostname, "-p", strconv.Itoa(s.TsaPort), "-g", strconv.Itoa(s.GroupPort)}

	if s.BindAddress != "" {
		out = append(out, "-a", s.BindAddress)
	}
	repo := s.ConfigRepo
	if repo == "" {
		repo = filepath.Join(serverDir, "repository")
	}
	out = append(out, "-r", repo)

	logDir := s.LogDir
	if logDir == "" {
		logDir = filepath.Join(serverDir, "logs")
	}
	out = append(out, "-L", logDir)

	if len(s.Offheap) > 0 {
		out = append(out, "-o", joinPairs(s.Offheap, ":"))
	}
	if len(s.DataDirs) > 0 {
		abs := map[string]string{}
		for k, v := range s.DataDirs {
			if !filepath.IsAbs(v) {
				v = filepath.Join(serverDir, v)
			}
			abs[k] = v
		}
		out = append(out, "-d", joinPairs(abs, ":"))
	}
	if s.FailoverPriority != "" {
		out = append(out, "-y", s.FailoverPriority)
	}
	if l.Topology != nil && l.Topology.ClusterName != "" {
		out = append(out, "-N", l.Topology.ClusterName)
	}
	if l.LicensePath != "" {
		out = append(out, "-l", l.LicensePath)
	}
	if len(l.ProxiedPorts) > 0 {
		props := map[string]string{}
		for peer, port := range l.ProxiedPorts {
			props["proxy.peer."+peer] = strconv.Itoa(port)
		}
		out = append(out, "-T", joinPairs(props, "="))
	}
	return out
}

func serverWithConfigFile(d topology.Distribution, l ServerLaunch) []string {
	script := filepath.Join(Root(d, l.KitDir), "server", "bin", "start-tc-server"+ShellExt())
	if len(l.Args) > 0 {
		return append([]string{script}, l.Args...)
	}
	return []string{script, "-f", filepath.Join(l.WorkDir, "tc-config.xml"), "-n", l.Server.Name}
}

func configTool107(d topology.Distribution, kitDir, securityDir string) []string {
	out := []string{filepath.Join(Root(d, kitDir), "tools", "bin", "config-tool"+ShellExt())}
	if securityDir != "" {
		out = append(out, "-srd", securityDir)
	}
	return out
}

func clusterTool102(d topology.Distribution, kitDir string) []string {
	return []string{filepath.Join(Root(d, kitDir), "tools", "cluster-tool", "bin", "cluster-tool"+ShellExt())}
}

func voter107(d topology.Distribution, kitDir string, v topology.Voter) []string {
	out := []string{filepath.Join(Root(d, kitDir), "tools", "voter", "bin", "start-tc-voter"+ShellExt())}
	if len(v.ServerAddrs) > 0 {
		out = append(out, "-s", strings.Join(v.ServerAddrs, ","))
	}
	return out
}

func tms107(d topology.Distribution, kitDir string) []string {
	return []string{filepath.Join(Root(d, kitDir), "tools", "management", "bin", "start"+ShellExt())}
}

func tms43(d topology.Distribution, kitDir string) []string {
	return []string{filepath.Join(Root(d, kitDir), "tools", "management-console", "bin", "start-tmc"+ShellExt())}
}

func joinPairs(m map[string]string, sep string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+sep+m[k])
	}
	return strings.Join(parts, ",")
}
