// Package wire implements the streamed and persisted message formats
// without a protoc-generated stub tree: hand-declared messages built
// directly on google.golang.org/protobuf's low-level protowire helpers, so
// the wire format really is protobuf (field tags, varints,
// length-delimited bytes) even though no descriptor-based *.pb.go exists
// (see DESIGN.md's internal/rpc entry for the rationale).
package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// FileChunk is one frame of the streamed file-upload/download protocol:
// enough fields to multiplex many files over one stream.
type FileChunk struct {
	ClientID  string
	SessionID uint32
	FileIndex uint32
	ChunkBody []byte
}

const (
	fieldClientID  = 1
	fieldSessionID = 2
	fieldFileIndex = 3
	fieldChunkBody = 4
)

func (c *FileChunk) Marshal() []byte {
	var b []byte
	if c.ClientID != "" {
		b = protowire.AppendTag(b, fieldClientID, protowire.BytesType)
		b = protowire.AppendString(b, c.ClientID)
	}
	b = protowire.AppendTag(b, fieldSessionID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.SessionID))
	b = protowire.AppendTag(b, fieldFileIndex, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.FileIndex))
	if len(c.ChunkBody) > 0 {
		b = protowire.AppendTag(b, fieldChunkBody, protowire.BytesType)
		b = protowire.AppendBytes(b, c.ChunkBody)
	}
	return b
}

func (c *FileChunk) Unmarshal(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("wire: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case fieldClientID:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return fmt.Errorf("wire: bad ClientID: %w", protowire.ParseError(m))
			}
			c.ClientID = v
			b = b[m:]
		case fieldSessionID:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return fmt.Errorf("wire: bad SessionID: %w", protowire.ParseError(m))
			}
			c.SessionID = uint32(v)
			b = b[m:]
		case fieldFileIndex:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return fmt.Errorf("wire: bad FileIndex: %w", protowire.ParseError(m))
			}
			c.FileIndex = uint32(v)
			b = b[m:]
		case fieldChunkBody:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return fmt.Errorf("wire: bad ChunkBody: %w", protowire.ParseError(m))
			}
			c.ChunkBody = append([]byte(nil), v...)
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return fmt.Errorf("wire: bad unknown field: %w", protowire.ParseError(m))
			}
			b = b[m:]
		}
	}
	return nil
}

// ExecResponse is the compile-task's view of one Exec round trip. A
// non-empty MissingInputs names request InputFiles (by index) the server
// does not have bytes for; the caller re-uploads exactly those with
// missed-content forced and retries. It rides the transport's codec as a
// plain struct — it never crosses a version boundary the way the persisted
// formats do.
type ExecResponse struct {
	Stdout        []byte
	Stderr        []byte
	ExitCode      int32
	MissingInputs []uint32
}

// ExecRequest is the compile task's "run this remotely" call.
type ExecRequest struct {
	SessionID  uint32
	CxxName    string
	CxxArgs    []string
	InputFiles []FileRef
}

// FileRef names one input by its content hash, so the server can ask back
// for it only if missing. Inputs small enough to embed carry their bytes
// inline in InlineContent instead of a prior side-channel upload.
type FileRef struct {
	ClientFileName string
	FileSize       int64
	HashHi, HashLo uint64 // combined/truncated content.Key, enough to dedupe server-side
	InlineContent  []byte
}

const (
	fieldExecSession = 1
	fieldExecCxxName = 2
	fieldExecCxxArgs = 3
	fieldExecInputs  = 4
)

func (r *ExecRequest) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldExecSession, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.SessionID))
	b = protowire.AppendTag(b, fieldExecCxxName, protowire.BytesType)
	b = protowire.AppendString(b, r.CxxName)
	for _, a := range r.CxxArgs {
		b = protowire.AppendTag(b, fieldExecCxxArgs, protowire.BytesType)
		b = protowire.AppendString(b, a)
	}
	for _, f := range r.InputFiles {
		var fb []byte
		fb = protowire.AppendTag(fb, 1, protowire.BytesType)
		fb = protowire.AppendString(fb, f.ClientFileName)
		fb = protowire.AppendTag(fb, 2, protowire.VarintType)
		fb = protowire.AppendVarint(fb, uint64(f.FileSize))
		fb = protowire.AppendTag(fb, 3, protowire.VarintType)
		fb = protowire.AppendVarint(fb, f.HashHi)
		fb = protowire.AppendTag(fb, 4, protowire.VarintType)
		fb = protowire.AppendVarint(fb, f.HashLo)
		if len(f.InlineContent) > 0 {
			fb = protowire.AppendTag(fb, 5, protowire.BytesType)
			fb = protowire.AppendBytes(fb, f.InlineContent)
		}

		b = protowire.AppendTag(b, fieldExecInputs, protowire.BytesType)
		b = protowire.AppendBytes(b, fb)
	}
	return b
}

func (r *ExecRequest) Unmarshal(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("wire: bad ExecRequest tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case fieldExecSession:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return fmt.Errorf("wire: bad SessionID: %w", protowire.ParseError(m))
			}
			r.SessionID = uint32(v)
			b = b[m:]
		case fieldExecCxxName:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return fmt.Errorf("wire: bad CxxName: %w", protowire.ParseError(m))
			}
			r.CxxName = v
			b = b[m:]
		case fieldExecCxxArgs:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return fmt.Errorf("wire: bad CxxArgs entry: %w", protowire.ParseError(m))
			}
			r.CxxArgs = append(r.CxxArgs, v)
			b = b[m:]
		case fieldExecInputs:
			fb, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return fmt.Errorf("wire: bad InputFiles entry: %w", protowire.ParseError(m))
			}
			ref, err := parseFileRef(fb)
			if err != nil {
				return err
			}
			r.InputFiles = append(r.InputFiles, ref)
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return fmt.Errorf("wire: bad unknown field: %w", protowire.ParseError(m))
			}
			b = b[m:]
		}
	}
	return nil
}

// DaemonRequest is the local-IPC frame the thin CLI shim sends over the
// Unix domain socket: one intercepted compiler invocation's argv/envp/cwd.
// Framed the same length-prefixed-protobuf way as the remote RPC messages
// so the daemon and the remote share one wire style.
type DaemonRequest struct {
	Argv    []string
	Envp    []string
	Cwd     string
	StdinIn []byte
}

const (
	fieldDaemonArgv  = 1
	fieldDaemonCwd   = 2
	fieldDaemonStdin = 3
	fieldDaemonEnvp  = 4
)

func (r *DaemonRequest) Marshal() []byte {
	var b []byte
	for _, a := range r.Argv {
		b = protowire.AppendTag(b, fieldDaemonArgv, protowire.BytesType)
		b = protowire.AppendString(b, a)
	}
	if r.Cwd != "" {
		b = protowire.AppendTag(b, fieldDaemonCwd, protowire.BytesType)
		b = protowire.AppendString(b, r.Cwd)
	}
	if len(r.StdinIn) > 0 {
		b = protowire.AppendTag(b, fieldDaemonStdin, protowire.BytesType)
		b = protowire.AppendBytes(b, r.StdinIn)
	}
	for _, e := range r.Envp {
		b = protowire.AppendTag(b, fieldDaemonEnvp, protowire.BytesType)
		b = protowire.AppendString(b, e)
	}
	return b
}

func (r *DaemonRequest) Unmarshal(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("wire: bad DaemonRequest tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case fieldDaemonArgv:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return fmt.Errorf("wire: bad Argv entry: %w", protowire.ParseError(m))
			}
			r.Argv = append(r.Argv, v)
			b = b[m:]
		case fieldDaemonCwd:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return fmt.Errorf("wire: bad Cwd: %w", protowire.ParseError(m))
			}
			r.Cwd = v
			b = b[m:]
		case fieldDaemonStdin:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return fmt.Errorf("wire: bad StdinIn: %w", protowire.ParseError(m))
			}
			r.StdinIn = append([]byte(nil), v...)
			b = b[m:]
		case fieldDaemonEnvp:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return fmt.Errorf("wire: bad Envp entry: %w", protowire.ParseError(m))
			}
			r.Envp = append(r.Envp, v)
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return fmt.Errorf("wire: bad unknown field: %w", protowire.ParseError(m))
			}
			b = b[m:]
		}
	}
	return nil
}

// DaemonResponse is the reply half of the local-IPC frame: the exit code,
// captured stdout/stderr, and the output filenames the compiler wrote, so
// the CLI shim can present a result indistinguishable from local compilation.
type DaemonResponse struct {
	ExitCode int32
	Stdout   []byte
	Stderr   []byte
	Outputs  []string
}

const (
	fieldDaemonRespExit    = 1
	fieldDaemonRespStdout  = 2
	fieldDaemonRespStderr  = 3
	fieldDaemonRespOutputs = 4
)

func (r *DaemonResponse) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldDaemonRespExit, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(uint32(r.ExitCode)))
	if len(r.Stdout) > 0 {
		b = protowire.AppendTag(b, fieldDaemonRespStdout, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Stdout)
	}
	if len(r.Stderr) > 0 {
		b = protowire.AppendTag(b, fieldDaemonRespStderr, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Stderr)
	}
	for _, o := range r.Outputs {
		b = protowire.AppendTag(b, fieldDaemonRespOutputs, protowire.BytesType)
		b = protowire.AppendString(b, o)
	}
	return b
}

func (r *DaemonResponse) Unmarshal(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("wire: bad DaemonResponse tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case fieldDaemonRespExit:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return fmt.Errorf("wire: bad ExitCode: %w", protowire.ParseError(m))
			}
			r.ExitCode = int32(uint32(v))
			b = b[m:]
		case fieldDaemonRespStdout:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return fmt.Errorf("wire: bad Stdout: %w", protowire.ParseError(m))
			}
			r.Stdout = append([]byte(nil), v...)
			b = b[m:]
		case fieldDaemonRespStderr:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return fmt.Errorf("wire: bad Stderr: %w", protowire.ParseError(m))
			}
			r.Stderr = append([]byte(nil), v...)
			b = b[m:]
		case fieldDaemonRespOutputs:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return fmt.Errorf("wire: bad Outputs entry: %w", protowire.ParseError(m))
			}
			r.Outputs = append(r.Outputs, v)
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return fmt.Errorf("wire: bad unknown field: %w", protowire.ParseError(m))
			}
			b = b[m:]
		}
	}
	return nil
}

func parseFileRef(b []byte) (FileRef, error) {
	var f FileRef
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return f, fmt.Errorf("wire: bad FileRef tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case 1:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return f, fmt.Errorf("wire: bad ClientFileName: %w", protowire.ParseError(m))
			}
			f.ClientFileName = v
			b = b[m:]
		case 2:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return f, fmt.Errorf("wire: bad FileSize: %w", protowire.ParseError(m))
			}
			f.FileSize = int64(v)
			b = b[m:]
		case 3:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return f, fmt.Errorf("wire: bad HashHi: %w", protowire.ParseError(m))
			}
			f.HashHi = v
			b = b[m:]
		case 4:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return f, fmt.Errorf("wire: bad HashLo: %w", protowire.ParseError(m))
			}
			f.HashLo = v
			b = b[m:]
		case 5:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return f, fmt.Errorf("wire: bad InlineContent: %w", protowire.ParseError(m))
			}
			f.InlineContent = append([]byte(nil), v...)
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return f, fmt.Errorf("wire: bad unknown field: %w", protowire.ParseError(m))
			}
			b = b[m:]
		}
	}
	return f, nil
}
