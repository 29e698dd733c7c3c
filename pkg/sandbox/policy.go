package sandbox

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Policy constrains a child process.
type Policy struct {
	// DisableNetwork makes socket creation fail inside the script.
	DisableNetwork bool

	// NetworkNamespace runs the child in fresh user and network namespaces
	// (Linux only). Hosts that forbid unprivileged user namespaces make the
	// launch fail, which is reported as config_error; check with
	// NetworkNamespaceSupported before enabling it.
	NetworkNamespace bool

	// BlockedModules are top-level Python modules the script may not import.
	BlockedModules []string

	// MaxMemoryBytes caps the address space (0 = unlimited).
	MaxMemoryBytes uint64

	// MaxCPUSeconds caps CPU time (0 = unlimited).
	MaxCPUSeconds uint64

	// MaxOpenFiles caps open file descriptors (0 = unlimited).
	MaxOpenFiles uint64

	// MaxOutputBytes caps each of stdout and stderr (0 = unlimited).
	MaxOutputBytes int
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		DisableNetwork: true,
		MaxMemoryBytes: 4 << 30,
		MaxCPUSeconds:  120,
		MaxOpenFiles:   256,
		MaxOutputBytes: 1 << 20,
	}
}

// preludeModule is loaded by the interpreter at startup (as sitecustomize)
// from a private directory placed first on PYTHONPATH.
const preludeModule = "sitecustomize.py"

// prelude renders the Python startup hook enforcing the policy. It also
// exposes INPUT_PATH and OUTPUT_PATH as builtins so scripts can use them as
// plain names.
func (p Policy) prelude() string {
	var b strings.Builder

	b.WriteString("import builtins as _builtins\n")
	b.WriteString("import os as _os\n")
	b.WriteString("import sys as _sys\n")
	b.WriteString("_builtins.INPUT_PATH = _os.environ.get(\"INPUT_PATH\", \"\")\n")
	b.WriteString("_builtins.OUTPUT_PATH = _os.environ.get(\"OUTPUT_PATH\", " + strconv.Quote(ArtifactName) + ")\n")

	if p.MaxMemoryBytes > 0 || p.MaxCPUSeconds > 0 || p.MaxOpenFiles > 0 {
		b.WriteString("try:\n")
		b.WriteString("    import resource as _resource\n")
		b.WriteString("except ImportError:\n")
		b.WriteString("    _resource = None\n")
		writeLimit(&b, "RLIMIT_AS", p.MaxMemoryBytes)
		writeLimit(&b, "RLIMIT_CPU", p.MaxCPUSeconds)
		writeLimit(&b, "RLIMIT_NOFILE", p.MaxOpenFiles)
	}

	if p.DisableNetwork {
		b.WriteString(networkBlock)
	}

	blocked := p.blockedModules()
	if len(blocked) > 0 {
		quoted := make([]string, len(blocked))
		for i, m := range blocked {
			quoted[i] = strconv.Quote(m)
		}
		fmt.Fprintf(&b, "_BLOCKED = frozenset([%s])\n", strings.Join(quoted, ", "))
		b.WriteString(`
class _ImportBlocker:
    def find_spec(self, name, path=None, target=None):
        if name.partition(".")[0] in _BLOCKED:
            raise ImportError("import of %r is blocked in this sandbox" % name)
        return None

for _name in list(_sys.modules):
    if _name.partition(".")[0] in _BLOCKED:
        del _sys.modules[_name]
_sys.meta_path.insert(0, _ImportBlocker())
`)
	}

	return b.String()
}

// blockedModules returns the configured modules plus _socket when the
// network is disabled, so the C socket module cannot be imported directly.
func (p Policy) blockedModules() []string {
	if !p.DisableNetwork || slices.Contains(p.BlockedModules, "_socket") {
		return p.BlockedModules
	}
	return append(slices.Clone(p.BlockedModules), "_socket")
}

// networkBlock refuses socket use from Python. The audit hook fires inside
// the C implementation, so it also covers the base type reachable through
// the class hierarchy; it cannot be removed once installed. ctypes and
// child processes can still reach the kernel, which only a network
// namespace prevents.
const networkBlock = `import socket as _socket
import _socket as _csocket

def _network_disabled(*args, **kwargs):
    raise PermissionError("network access is disabled in this sandbox")

_NET_EVENTS = frozenset([
    "socket.__new__", "socket.bind", "socket.connect", "socket.getaddrinfo",
    "socket.gethostbyname", "socket.gethostbyaddr", "socket.getnameinfo",
    "socket.sendto", "socket.sendmsg",
])

def _network_audit(event, args):
    if event in _NET_EVENTS:
        raise PermissionError("network access is disabled in this sandbox")

if hasattr(_sys, "addaudithook"):
    _sys.addaudithook(_network_audit)

class _NoSocket(_socket.socket):
    def __init__(self, *args, **kwargs):
        _network_disabled()

for _mod in (_socket, _csocket):
    _mod.socket = _NoSocket
    _mod.SocketType = _NoSocket
    _mod.socketpair = _network_disabled
    if hasattr(_mod, "fromfd"):
        _mod.fromfd = _network_disabled
_socket.create_connection = _network_disabled
_socket.create_server = _network_disabled
_socket.getaddrinfo = _network_disabled
_csocket.getaddrinfo = _network_disabled
del _mod, _csocket
`

func writeLimit(b *strings.Builder, name string, v uint64) {
	if v == 0 {
		return
	}
	b.WriteString("if _resource is not None:\n")
	b.WriteString("    try:\n")
	fmt.Fprintf(b, "        _resource.setrlimit(_resource.%s, (%d, %d))\n", name, v, v)
	b.WriteString("    except (ValueError, OSError):\n")
	b.WriteString("        pass\n")
}
