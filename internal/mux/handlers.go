package mux

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/eseiker/agent8-container-agent/internal/fswatch"
	"github.com/eseiker/agent8-container-agent/internal/safepath"
)

func (c *Conn) handleFS(id, opType string, raw json.RawMessage) ResponseEnvelope {
	var op fsOperation
	if err := json.Unmarshal(raw, &op); err != nil {
		return fail(id, ErrFilesystemFailed, err.Error())
	}

	switch opType {
	case "readFile":
		path := safepath.Resolve(c.mux.workspaceRoot, op.Path)
		content, err := os.ReadFile(path)
		if err != nil {
			return fail(id, ErrFilesystemFailed, err.Error())
		}
		return ok(id, map[string]interface{}{"content": string(content)})

	case "writeFile":
		if op.Content == nil {
			return fail(id, ErrFilesystemFailed, "writeFile requires content")
		}
		path := safepath.Resolve(c.mux.workspaceRoot, op.Path)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fail(id, ErrFilesystemFailed, err.Error())
		}
		if err := os.WriteFile(path, []byte(*op.Content), 0o644); err != nil {
			return fail(id, ErrFilesystemFailed, err.Error())
		}
		return ok(id, nil)

	case "rm":
		path := safepath.Resolve(c.mux.workspaceRoot, op.Path)
		var err error
		if op.Recursive {
			err = os.RemoveAll(path)
		} else {
			err = os.Remove(path)
		}
		if err != nil {
			return fail(id, ErrFilesystemFailed, err.Error())
		}
		return ok(id, nil)

	case "readdir":
		path := safepath.Resolve(c.mux.workspaceRoot, op.Path)
		entries, err := os.ReadDir(path)
		if err != nil {
			return fail(id, ErrFilesystemFailed, err.Error())
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		return ok(id, map[string]interface{}{"entries": names})

	case "mkdir":
		path := safepath.Resolve(c.mux.workspaceRoot, op.Path)
		var err error
		if op.Recursive {
			err = os.MkdirAll(path, 0o755)
		} else {
			err = os.Mkdir(path, 0o755)
		}
		if err != nil {
			return fail(id, ErrFilesystemFailed, err.Error())
		}
		return ok(id, nil)

	case "stat":
		path := safepath.Resolve(c.mux.workspaceRoot, op.Path)
		info, err := os.Stat(path)
		if err != nil {
			return fail(id, ErrFilesystemFailed, err.Error())
		}
		return ok(id, map[string]interface{}{
			"size":    info.Size(),
			"isDir":   info.IsDir(),
			"modTime": info.ModTime(),
		})

	case "mount":
		// mount is a bulk write of contents only: it does not apply
		// permissions or timestamps from the tree (see design notes).
		root := safepath.Resolve(c.mux.workspaceRoot, op.Path)
		for relPath, content := range op.Tree {
			target := safepath.Resolve(root, relPath)
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fail(id, ErrFilesystemFailed, err.Error())
			}
			if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
				return fail(id, ErrFilesystemFailed, err.Error())
			}
		}
		return ok(id, nil)

	default:
		return fail(id, ErrFilesystemFailed, "unsupported filesystem operation: "+opType)
	}
}

func (c *Conn) handleProcess(id, opType string, raw json.RawMessage) ResponseEnvelope {
	var op processOperation
	if err := json.Unmarshal(raw, &op); err != nil {
		return fail(id, ErrProcessFailed, err.Error())
	}

	switch opType {
	case "spawn":
		if op.Command == "" {
			return fail(id, ErrProcessFailed, "spawn requires a command")
		}
		cols, rows := op.Cols, op.Rows
		if cols <= 0 {
			cols = 80
		}
		if rows <= 0 {
			rows = 24
		}
		pid, err := c.mux.processes.Spawn(op.Command, op.Args, cols, rows)
		if err != nil {
			return fail(id, ErrProcessFailed, err.Error())
		}
		if err := c.mux.processes.Subscribe(pid, c.wsId); err != nil {
			return fail(id, ErrProcessFailed, err.Error())
		}
		return ok(id, map[string]interface{}{"pid": pid})

	case "input":
		if err := c.mux.processes.Input(op.Pid, []byte(op.Data)); err != nil {
			return fail(id, ErrProcessFailed, err.Error())
		}
		return ok(id, nil)

	case "kill":
		if err := c.mux.processes.Kill(op.Pid); err != nil {
			return fail(id, ErrProcessFailed, err.Error())
		}
		return ok(id, nil)

	case "resize":
		if err := c.mux.processes.Resize(op.Pid, op.Cols, op.Rows); err != nil {
			return fail(id, ErrProcessFailed, err.Error())
		}
		return ok(id, nil)

	default:
		return fail(id, ErrProcessFailed, "unsupported process operation: "+opType)
	}
}

func (c *Conn) handleWatch(id, opType string, raw json.RawMessage) ResponseEnvelope {
	var op watchOperation
	if err := json.Unmarshal(raw, &op); err != nil {
		return fail(id, ErrWatchFailed, err.Error())
	}

	switch opType {
	case "watch":
		watcherID, err := c.mux.watches.Watch(op.Patterns, fswatch.Options{Persistent: op.Persistent}, c)
		if err != nil {
			return fail(id, ErrWatchFailed, err.Error())
		}
		c.addWatcher(watcherID)
		return ok(id, map[string]interface{}{"watcherId": watcherID})

	case "watch-paths":
		watcherID, err := c.mux.watches.WatchPaths(op.Include, c)
		if err != nil {
			return fail(id, ErrWatchFailed, err.Error())
		}
		c.addWatcher(watcherID)
		return ok(id, map[string]interface{}{"watcherId": watcherID})

	default:
		return fail(id, ErrWatchFailed, "unsupported watch operation: "+opType)
	}
}

func (c *Conn) handleAuth(id string, raw json.RawMessage) ResponseEnvelope {
	var op authOperation
	if err := json.Unmarshal(raw, &op); err != nil {
		return fail(id, ErrAuth, err.Error())
	}
	if op.Token == "" {
		return fail(id, ErrAuth, "missing token")
	}
	if !c.mux.auth.Verify(op.Token) {
		return fail(id, ErrAuth, "token verification failed")
	}
	c.setAuthToken(op.Token)
	return ok(id, map[string]interface{}{"authenticated": true})
}
