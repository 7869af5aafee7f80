package artifact

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"salagent/internal/client"
)

// fakeServer stands in for the Sal server.
type fakeServer struct {
	scripts       map[string]string // "plugin/filename" -> content
	requests      map[string]int
	bodies        map[string][]map[string]any
	inventoryHash string
	catalogHashes []catalogHash
	listStatus    int
	mu            sync.Mutex
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		scripts:    map[string]string{},
		requests:   map[string]int{},
		bodies:     map[string][]map[string]any{},
		listStatus: http.StatusOK,
	}
}

func (f *fakeServer) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[path]
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests[r.URL.Path]++
	if r.Method == http.MethodPost {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.bodies[r.URL.Path] = append(f.bodies[r.URL.Path], body)
	}

	switch {
	case r.URL.Path == "/preflight-v2/":
		if f.listStatus != http.StatusOK {
			w.WriteHeader(f.listStatus)
			return
		}
		list := []ScriptDescriptor{}
		for key, content := range f.scripts {
			parts := strings.SplitN(key, "/", 2)
			list = append(list, ScriptDescriptor{Plugin: parts[0], Filename: parts[1], Hash: HashBytes([]byte(content))})
		}
		_ = json.NewEncoder(w).Encode(list)
	case strings.HasPrefix(r.URL.Path, "/preflight-v2/get-script/"):
		key := strings.Trim(strings.TrimPrefix(r.URL.Path, "/preflight-v2/get-script/"), "/")
		content, ok := f.scripts[key]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode([]map[string]string{{"content": content}})
	case strings.HasPrefix(r.URL.Path, "/inventory/hash/"):
		if f.inventoryHash == "" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(f.inventoryHash))
	case r.URL.Path == "/catalog/hash/":
		_ = json.NewEncoder(w).Encode(f.catalogHashes)
	default:
		w.WriteHeader(http.StatusOK)
	}
}

func newTestAPI(t *testing.T, f *fakeServer) *client.Client {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	c, err := client.New(client.Options{BaseURL: srv.URL, Log: zerolog.Nop()})
	require.NoError(t, err)
	return c
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o755))
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name   string
		local  string
		remote string
		pull   Action
		push   Action
	}{
		{"equal", "abc", "abc", ActionNone, ActionNone},
		{"case insensitive", "ABC", "abc", ActionNone, ActionNone},
		{"differ", "abc", "def", ActionDownload, ActionUpload},
		{"missing locally", "", "def", ActionDownload, ActionNone},
		{"unknown to server", "abc", "", ActionDelete, ActionUpload},
		{"neither", "", "", ActionNone, ActionNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.pull, DecidePull(tt.local, tt.remote))
			assert.Equal(t, tt.push, DecidePush(tt.local, tt.remote))
		})
	}
}

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	writeFile(t, path, "hello")

	got, err := HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", got)

	_, err = HashFile(filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestEncodeRoundTrip(t *testing.T) {
	data := []byte(strings.Repeat("<key>name</key><string>Firefox</string>\n", 200))
	for _, codec := range []Codec{CodecZstd, CodecLZ4} {
		t.Run(string(codec), func(t *testing.T) {
			encoded, err := Encode(data, codec)
			require.NoError(t, err)
			assert.Less(t, len(encoded), len(data))

			decoded, err := Decode(encoded, codec)
			require.NoError(t, err)
			assert.Equal(t, data, decoded)
		})
	}

	_, err := ParseCodec("bzip2")
	assert.Error(t, err)
	codec, err := ParseCodec("")
	require.NoError(t, err)
	assert.Equal(t, CodecZstd, codec)
}

func TestScriptSyncOrphanRemoval(t *testing.T) {
	f := newFakeServer()
	f.scripts["A/x.sh"] = "#!/bin/sh\necho x\n"
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "A", "x.sh"), f.scripts["A/x.sh"])
	writeFile(t, filepath.Join(root, "B", "y.sh"), "#!/bin/sh\necho y\n")

	ss := NewScriptSync(zerolog.Nop(), newTestAPI(t, f), root, "Darwin")
	result, err := ss.Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, result.Downloaded)
	assert.Equal(t, 1, result.Deleted)
	assert.Equal(t, 1, result.PrunedDirs)
	assert.FileExists(t, filepath.Join(root, "A", "x.sh"))
	assert.NoDirExists(t, filepath.Join(root, "B"))
	assert.Equal(t, 0, f.count("/preflight-v2/get-script/A/x.sh/"))
	assert.Equal(t, "Darwin", f.bodies["/preflight-v2/"][0]["os_family"])
}

func TestScriptSyncDownloadsMissingAndStale(t *testing.T) {
	f := newFakeServer()
	f.scripts["A/x.sh"] = "#!/bin/sh\necho new\n"
	f.scripts["C/z.py"] = "print('z')\n"
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "A", "x.sh"), "#!/bin/sh\necho old\n")
	writeFile(t, filepath.Join(root, ".hidden"), "keep me")

	ss := NewScriptSync(zerolog.Nop(), newTestAPI(t, f), root, "Darwin")
	result, err := ss.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Downloaded)
	assert.Equal(t, 0, result.Deleted)

	for key, content := range f.scripts {
		path := filepath.Join(root, filepath.FromSlash(key))
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, content, string(data))
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
	}
	assert.FileExists(t, filepath.Join(root, ".hidden"))

	// A second run finds everything current.
	result, err = ss.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Downloaded)
	assert.Equal(t, 1, f.count("/preflight-v2/get-script/C/z.py/"))
}

func TestScriptSyncEmptyListRemovesRoot(t *testing.T) {
	f := newFakeServer()
	root := filepath.Join(t.TempDir(), "external_scripts")
	writeFile(t, filepath.Join(root, "A", "x.sh"), "x")

	result, err := NewScriptSync(zerolog.Nop(), newTestAPI(t, f), root, "Darwin").Sync(context.Background())
	require.NoError(t, err)
	assert.True(t, result.RemovedRoot)
	assert.NoDirExists(t, root)
}

func TestScriptSyncListFailureTouchesNothing(t *testing.T) {
	f := newFakeServer()
	f.listStatus = http.StatusInternalServerError
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "B", "y.sh"), "y")

	_, err := NewScriptSync(zerolog.Nop(), newTestAPI(t, f), root, "Darwin").Sync(context.Background())
	require.Error(t, err)
	assert.FileExists(t, filepath.Join(root, "B", "y.sh"))
}

func TestScriptSyncListStatus400IsNotFailure(t *testing.T) {
	f := newFakeServer()
	f.listStatus = http.StatusBadRequest
	root := t.TempDir()

	// 400 passes the preflight threshold but carries no list.
	_, err := NewScriptSync(zerolog.Nop(), newTestAPI(t, f), root, "Darwin").Sync(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse script list")
}

func TestScriptDescriptorValidate(t *testing.T) {
	tests := []struct {
		plugin   string
		filename string
		ok       bool
	}{
		{"A", "x.sh", true},
		{"..", "x.sh", false},
		{"A", "../../etc/passwd", false},
		{"A/B", "x.sh", false},
		{"", "x.sh", false},
		{"A", ".hidden", false},
	}
	for _, tt := range tests {
		err := ScriptDescriptor{Plugin: tt.plugin, Filename: tt.filename}.Validate()
		if tt.ok {
			assert.NoError(t, err, "%s/%s", tt.plugin, tt.filename)
		} else {
			assert.ErrorIs(t, err, ErrUnsafePath, "%s/%s", tt.plugin, tt.filename)
		}
	}
}

func TestInventoryHashShortCircuit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ApplicationInventory.plist")
	writeFile(t, path, "<plist>apps</plist>")
	hash, err := HashFile(path)
	require.NoError(t, err)

	f := newFakeServer()
	f.inventoryHash = hash
	p := NewPusher(zerolog.Nop(), newTestAPI(t, f), "key", CodecZstd)

	decision, err := p.Inventory(context.Background(), "C02XYZ", path)
	require.NoError(t, err)
	assert.Equal(t, ActionNone, decision.Action)
	assert.Equal(t, 0, f.count("/inventory/submit/"))

	f.mu.Lock()
	f.inventoryHash = "stale"
	f.mu.Unlock()
	decision, err = p.Inventory(context.Background(), "C02XYZ", path)
	require.NoError(t, err)
	assert.Equal(t, ActionUpload, decision.Action)
	assert.Equal(t, 1, f.count("/inventory/submit/"))

	body := f.bodies["/inventory/submit/"][0]
	assert.Equal(t, "C02XYZ", body["serial"])
	decoded, err := Decode(body["inventory"].(string), CodecZstd)
	require.NoError(t, err)
	assert.Equal(t, "<plist>apps</plist>", string(decoded))
}

func TestInventoryNotFoundUploads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ApplicationInventory.plist")
	writeFile(t, path, "apps")

	f := newFakeServer()
	p := NewPusher(zerolog.Nop(), newTestAPI(t, f), "key", CodecLZ4)

	decision, err := p.Inventory(context.Background(), "C02XYZ", path)
	require.NoError(t, err)
	assert.Equal(t, ActionUpload, decision.Action)
	assert.Equal(t, 1, f.count("/inventory/submit/"))
	assert.Equal(t, "lz4", f.bodies["/inventory/submit/"][0]["compression"])
}

func TestInventoryMissingFile(t *testing.T) {
	f := newFakeServer()
	p := NewPusher(zerolog.Nop(), newTestAPI(t, f), "key", CodecZstd)

	decision, err := p.Inventory(context.Background(), "C02XYZ", filepath.Join(t.TempDir(), "none"))
	require.NoError(t, err)
	assert.Equal(t, ActionNone, decision.Action)
	assert.Equal(t, 0, f.count("/inventory/hash/C02XYZ/"))
}

func TestCatalogsUploadOnlyChanged(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "production"), "prod catalog")
	writeFile(t, filepath.Join(dir, "testing"), "testing catalog")
	writeFile(t, filepath.Join(dir, ".DS_Store"), "junk")
	prodHash, err := HashFile(filepath.Join(dir, "production"))
	require.NoError(t, err)

	f := newFakeServer()
	f.catalogHashes = []catalogHash{{Name: "production", SHA256Hash: prodHash}}
	p := NewPusher(zerolog.Nop(), newTestAPI(t, f), "machine-key", CodecZstd)

	decisions, err := p.Catalogs(context.Background(), dir)
	require.NoError(t, err)
	require.Len(t, decisions, 2)
	assert.Equal(t, map[Action]int{ActionNone: 1, ActionUpload: 1}, Summary(decisions))

	require.Equal(t, 1, f.count("/catalog/submit/"))
	body := f.bodies["/catalog/submit/"][0]
	assert.Equal(t, "testing", body["name"])
	assert.Equal(t, "machine-key", body["key"])
	decoded, err := Decode(body["catalog"].(string), CodecZstd)
	require.NoError(t, err)
	assert.Equal(t, "testing catalog", string(decoded))

	hashReq := f.bodies["/catalog/hash/"][0]
	assert.Len(t, hashReq["catalogs"], 2)
}

func TestStripProfiles(t *testing.T) {
	input := `{"_computerlevel":[{"ProfileDisplayName":"Wi-Fi","ProfileItems":[
		{"PayloadIdentifier":"com.example.wifi","PayloadUUID":"1234","PayloadType":"com.apple.wifi.managed",
		 "PayloadContent":{"Password":"hunter2"}}]}]}`

	out, err := StripProfiles([]byte(input))
	require.NoError(t, err)
	assert.NotContains(t, string(out), "hunter2")
	assert.JSONEq(t, `{"_computerlevel":[{"ProfileDisplayName":"Wi-Fi","ProfileItems":[
		{"PayloadIdentifier":"com.example.wifi","PayloadUUID":"1234","PayloadType":"com.apple.wifi.managed"}]}]}`, string(out))
}

func TestProfilesAlwaysUpload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.json")
	writeFile(t, path, `{"_computerlevel":[]}`)

	f := newFakeServer()
	p := NewPusher(zerolog.Nop(), newTestAPI(t, f), "key", CodecZstd)
	for range 2 {
		decision, err := p.Profiles(context.Background(), "C02XYZ", path)
		require.NoError(t, err)
		assert.Equal(t, ActionUpload, decision.Action)
	}
	assert.Equal(t, 2, f.count("/profiles/submit/"))
}
