package analyzer

import (
	"strings"

	"github.com/gzhole/skillshield/internal/analyzer/script"
)

// sinkKind groups sinks by what reaching them means.
type sinkKind int

const (
	sinkExec sinkKind = iota
	sinkEval
	sinkDelete
	sinkNetwork
)

func (k sinkKind) runsCode() bool { return k == sinkExec || k == sinkEval }

// sink describes a dangerous callee after alias resolution.
type sink struct {
	Category   string
	Capability string
	Kind       sinkKind
	// Arg is the positional argument that carries the payload; -1 means
	// every argument. Piped stdin always counts.
	Arg int
}

var (
	execSink    = sink{Category: "command-execution", Capability: CapProcessExecution, Kind: sinkExec, Arg: 0}
	execAllSink = sink{Category: "command-execution", Capability: CapProcessExecution, Kind: sinkExec, Arg: -1}
	evalSink    = sink{Category: "code-evaluation", Capability: CapCodeEvaluation, Kind: sinkEval, Arg: 0}
	evalAllSink = sink{Category: "code-evaluation", Capability: CapCodeEvaluation, Kind: sinkEval, Arg: -1}
	loadSink    = sink{Category: "unsafe-deserialization", Capability: CapCodeEvaluation, Kind: sinkEval, Arg: 0}
	deleteSink  = sink{Category: "file-deletion", Capability: CapFileDeletion, Kind: sinkDelete, Arg: -1}
	netSink     = sink{Category: "network-egress", Capability: CapNetworkEgress, Kind: sinkNetwork, Arg: -1}
)

func sinkTable(s sink, names ...string) map[string]sink {
	m := make(map[string]sink, len(names))
	for _, n := range names {
		m[n] = s
	}
	return m
}

func mergeSinks(tables ...map[string]sink) map[string]sink {
	out := map[string]sink{}
	for _, t := range tables {
		for k, v := range t {
			out[k] = v
		}
	}
	return out
}

// sinkTables are keyed by the language of the script front-end.
var sinkTables = map[string]map[string]sink{
	"python": mergeSinks(
		sinkTable(execSink, "os.system", "os.popen", "os.execv", "os.execve", "os.execl", "os.execlp",
			"os.execvp", "os.spawnl", "os.spawnv", "os.posix_spawn", "subprocess.run", "subprocess.call",
			"subprocess.check_call", "subprocess.check_output", "subprocess.Popen", "subprocess.getoutput",
			"subprocess.getstatusoutput", "pty.spawn", "commands.getoutput", "asyncio.create_subprocess_shell",
			"asyncio.create_subprocess_exec"),
		sinkTable(evalSink, "eval", "exec", "compile", "builtins.eval", "builtins.exec", "runpy.run_path", "runpy.run_module"),
		sinkTable(loadSink, "pickle.loads", "pickle.load", "marshal.loads", "dill.loads", "yaml.unsafe_load", "cloudpickle.loads"),
		sinkTable(deleteSink, "os.remove", "os.unlink", "os.rmdir", "os.removedirs", "shutil.rmtree"),
		sinkTable(netSink, "requests.get", "requests.post", "requests.put", "requests.patch", "requests.request",
			"urllib.request.urlopen", "urllib.request.urlretrieve", "urllib.request.Request", "http.client.HTTPConnection",
			"http.client.HTTPSConnection", "socket.socket", "socket.create_connection", "httpx.get", "httpx.post",
			"httpx.Client", "aiohttp.ClientSession", "ftplib.FTP", "smtplib.SMTP"),
	),
	"javascript": mergeSinks(
		sinkTable(execSink, "child_process.exec", "child_process.execSync", "child_process.spawn",
			"child_process.spawnSync", "child_process.execFile", "child_process.execFileSync", "child_process.fork",
			"node:child_process.exec", "node:child_process.execSync", "node:child_process.spawn",
			"node:child_process.spawnSync", "shelljs.exec", "execa", "Deno.run", "Bun.spawn"),
		sinkTable(evalSink, "eval", "Function", "vm.runInNewContext", "vm.runInThisContext", "vm.runInContext",
			"vm.Script", "vm.compileFunction"),
		sinkTable(deleteSink, "fs.rm", "fs.rmSync", "fs.unlink", "fs.unlinkSync", "fs.rmdir", "fs.rmdirSync",
			"fs.promises.rm", "fs.promises.unlink", "fs/promises.rm", "fs/promises.unlink", "node:fs.rmSync",
			"node:fs.unlinkSync", "fs-extra.remove", "fs-extra.removeSync", "rimraf"),
		sinkTable(netSink, "fetch", "axios", "axios.get", "axios.post", "axios.put", "axios.request", "http.request",
			"http.get", "https.request", "https.get", "net.connect", "net.createConnection", "node-fetch",
			"got", "got.post", "XMLHttpRequest", "WebSocket", "dgram.createSocket"),
	),
	"shell": mergeSinks(
		sinkTable(execAllSink, "sh", "sh -c", "eval", "source", "."),
		sinkTable(evalAllSink, "python -c", "node -e", "node eval", "perl -e", "ruby -e", "php -r", "python", "node", "perl", "ruby"),
		sinkTable(deleteSink, "rm", "shred", "rmdir", "unlink", "srm", "wipe"),
		sinkTable(netSink, "curl", "wget", "nc", "ncat", "netcat", "socat", "scp", "rsync", "ftp", "telnet", "ssh"),
	),
	"go": mergeSinks(
		sinkTable(execAllSink, "os/exec.Command", "os/exec.CommandContext", "syscall.Exec", "syscall.ForkExec", "os.StartProcess"),
		sinkTable(deleteSink, "os.Remove", "os.RemoveAll"),
		sinkTable(netSink, "net/http.Get", "net/http.Post", "net/http.PostForm", "net/http.NewRequest",
			"net/http.NewRequestWithContext", "net.Dial", "net.DialTimeout", "net/http.Head"),
	),
}

// decoders turn encoded data back into bytes.
var decoders = map[string]map[string]bool{
	"python": nameSet("base64.b64decode", "base64.b32decode", "base64.b16decode", "base64.decodebytes",
		"base64.urlsafe_b64decode", "base64.a85decode", "base64.b85decode", "bytes.fromhex", "bytearray.fromhex",
		"binascii.unhexlify", "binascii.a2b_base64", "binascii.a2b_hex", "codecs.decode", "zlib.decompress",
		"gzip.decompress", "bz2.decompress", "lzma.decompress"),
	"javascript": nameSet("atob", "Buffer.from", "decodeURIComponent", "unescape", "zlib.inflateSync",
		"zlib.gunzipSync", "String.fromCharCode"),
	"shell": nameSet("base64 -d", "xxd -r", "gunzip", "zcat", "rev", "tr"),
	"go": nameSet("encoding/base64.StdEncoding.DecodeString", "encoding/base64.URLEncoding.DecodeString",
		"encoding/base64.RawStdEncoding.DecodeString", "encoding/base64.RawURLEncoding.DecodeString",
		"encoding/hex.DecodeString"),
}

// downloaders fetch remote content.
var downloaders = map[string]map[string]bool{
	"python": nameSet("requests.get", "requests.post", "requests.request", "urllib.request.urlopen",
		"urllib.request.urlretrieve", "httpx.get", "urllib2.urlopen"),
	"javascript": nameSet("fetch", "axios", "axios.get", "http.get", "https.get", "got", "node-fetch"),
	"shell":      nameSet("curl", "wget"),
	"go":         nameSet("net/http.Get", "net/http.Post"),
}

func nameSet(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

// tableLanguage maps a front-end language onto the table it shares.
func tableLanguage(lang string) string {
	if lang == "typescript" {
		return "javascript"
	}
	return lang
}

func lookupSink(lang, callee string) (sink, bool) {
	s, ok := sinkTables[tableLanguage(lang)][callee]
	return s, ok
}

// isDecoder reports whether call decodes data. Buffer.from only decodes
// with an explicit base64 or hex encoding, and tr only when it rotates
// letters.
func isDecoder(lang, callee string, call *script.Expr) bool {
	if !decoders[tableLanguage(lang)][callee] {
		return false
	}
	switch callee {
	case "Buffer.from":
		pos := call.Positional()
		if len(pos) < 2 {
			return false
		}
		enc, ok := script.LiteralText(pos[1])
		return ok && (enc == "base64" || enc == "hex" || enc == "base64url")
	case "tr":
		for _, a := range call.Positional() {
			if s, ok := script.LiteralText(a); ok && strings.Contains(s, "A-Za-z") {
				return true
			}
		}
		return false
	case "codecs.decode":
		for _, a := range call.Args {
			if s, ok := script.LiteralText(a); ok && strings.Contains(strings.ToLower(s), "rot") {
				return true
			}
		}
		return len(call.Args) >= 2
	}
	return true
}

func isDownloader(lang, callee string) bool {
	return downloaders[tableLanguage(lang)][callee]
}
