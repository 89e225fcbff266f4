package api

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/james-see/microdrum2midi/pkg/bridge"
	"github.com/james-see/microdrum2midi/pkg/pins"
	"github.com/james-see/microdrum2midi/pkg/protocol"
	"github.com/james-see/microdrum2midi/pkg/transport"
)

type fakePort struct {
	mu     sync.Mutex
	writes [][]byte
	closed bool
}

func (p *fakePort) Read(b []byte) (int, error) {
	time.Sleep(time.Millisecond)
	return 0, nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes = append(p.writes, append([]byte(nil), b...))
	return len(b), nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePort) written() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.writes...)
}

type fakeDestinations []string

func (f fakeDestinations) Destinations() ([]string, error) { return f, nil }

func setupServer(t *testing.T) (*gin.Engine, *bridge.Controller, *fakePort) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	port := &fakePort{}
	ctrl := bridge.NewController(pins.NewStore(), nil,
		bridge.WithOpener(func(cfg transport.Config) (transport.Port, error) { return port, nil }),
		bridge.WithEngineOptions(protocol.WithPacing(0, 0, 0)),
	)
	t.Cleanup(func() { _ = ctrl.Close() })

	lister := func() ([]transport.PortInfo, error) {
		return []transport.PortInfo{
			{Name: "/dev/ttyS0"},
			{Name: "/dev/ttyACM0", Product: "Arduino Leonardo", IsUSB: true},
		}, nil
	}
	s := NewServer(ctrl,
		WithSerialConfig(transport.Config{Port: "/dev/ttyACM0", Detect: transport.DefaultDetectPatterns}),
		WithDestinations(fakeDestinations{"IAC Driver Bus 1"}),
		WithPortLister(lister),
	)
	return s.Router(), ctrl, port
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealthCheck(t *testing.T) {
	r, _, _ := setupServer(t)
	w := do(r, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "healthy" || resp["service"] != "microdrum2midi" {
		t.Errorf("health = %v", resp)
	}
}

func TestPins(t *testing.T) {
	r, ctrl, _ := setupServer(t)
	_ = ctrl.Store().Set(3, pins.ParamNote, 38)

	w := do(r, http.MethodGet, "/api/v1/pins", "")
	var list []PinView
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != pins.PinCount {
		t.Errorf("GET /pins returned %d pins, want %d", len(list), pins.PinCount)
	}

	w = do(r, http.MethodGet, "/api/v1/pins/3", "")
	var pv PinView
	if err := json.Unmarshal(w.Body.Bytes(), &pv); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if pv.Pin != 3 || pv.Note != 38 || pv.NoteName != pins.NoteName(38) {
		t.Errorf("GET /pins/3 = %+v", pv)
	}

	tests := []struct {
		path string
		code int
	}{
		{"/api/v1/pins/48", http.StatusBadRequest},
		{"/api/v1/pins/-1", http.StatusBadRequest},
		{"/api/v1/pins/kick", http.StatusBadRequest},
	}
	for _, tt := range tests {
		if w := do(r, http.MethodGet, tt.path, ""); w.Code != tt.code {
			t.Errorf("GET %s = %d, want %d", tt.path, w.Code, tt.code)
		}
	}
}

func TestSetParamOffline(t *testing.T) {
	r, ctrl, port := setupServer(t)

	w := do(r, http.MethodPut, "/api/v1/pins/2/threshold", `{"value": 200}`)
	if w.Code != http.StatusOK {
		t.Fatalf("PUT = %d: %s", w.Code, w.Body.String())
	}
	if v, _ := ctrl.Store().Value(2, pins.ParamThreshold); v != 127 {
		t.Errorf("threshold = %d, want clamped 127", v)
	}
	if len(port.written()) != 0 {
		t.Error("offline set wrote to the port")
	}

	w = do(r, http.MethodPut, "/api/v1/pins/2/name", `{"name": "Snare"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("PUT name = %d", w.Code)
	}
	if pp, _ := ctrl.Store().Get(2); pp.Name != "Snare" {
		t.Errorf("name = %q", pp.Name)
	}

	tests := []struct {
		path string
		body string
		code int
	}{
		{"/api/v1/pins/2/volume", `{"value": 1}`, http.StatusBadRequest},
		{"/api/v1/pins/2/all", `{"value": 1}`, http.StatusBadRequest},
		{"/api/v1/pins/2/gain", `{}`, http.StatusBadRequest},
		{"/api/v1/pins/2/gain", `not json`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		if w := do(r, http.MethodPut, tt.path, tt.body); w.Code != tt.code {
			t.Errorf("PUT %s %s = %d, want %d", tt.path, tt.body, w.Code, tt.code)
		}
	}
}

func TestSessionLifecycle(t *testing.T) {
	r, ctrl, port := setupServer(t)

	if w := do(r, http.MethodPost, "/api/v1/pins/0/upload", ""); w.Code != http.StatusConflict {
		t.Errorf("upload without session = %d, want 409", w.Code)
	}

	w := do(r, http.MethodPost, "/api/v1/session", `{"baud_rate": 31250}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("POST /session = %d: %s", w.Code, w.Body.String())
	}
	var st bridge.Status
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if !st.Connected || st.Port != "/dev/ttyACM0" || st.BaudRate != 31250 {
		t.Errorf("status = %+v", st)
	}
	if w := do(r, http.MethodPost, "/api/v1/session", ""); w.Code != http.StatusConflict {
		t.Errorf("second open = %d, want 409", w.Code)
	}

	w = do(r, http.MethodPut, "/api/v1/pins/1/note", `{"value": 36, "save": true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("PUT online = %d", w.Code)
	}
	writes := port.written()
	expected := []byte{0xF0, 0x77, 0x04, 0x01, 0x00, 36, 0xF7}
	if len(writes) != 1 || !bytes.Equal(writes[0], expected) {
		t.Errorf("writes = %X, want %X", writes, expected)
	}

	if w := do(r, http.MethodPost, "/api/v1/pins/1/upload", ""); w.Code != http.StatusAccepted {
		t.Errorf("upload = %d", w.Code)
	}
	if n := len(port.written()); n != 13 {
		t.Errorf("writes after upload = %d, want 13", n)
	}

	if w := do(r, http.MethodPost, "/api/v1/pins/1/download", ""); w.Code != http.StatusOK {
		t.Errorf("download = %d", w.Code)
	}
	if n := len(port.written()); n != 25 {
		t.Errorf("writes after download = %d, want 25", n)
	}

	if w := do(r, http.MethodPut, "/api/v1/mode", `{"mode": "midi"}`); w.Code != http.StatusOK {
		t.Errorf("PUT /mode = %d", w.Code)
	}
	if w := do(r, http.MethodPut, "/api/v1/mode", `{"mode": "karaoke"}`); w.Code != http.StatusBadRequest {
		t.Errorf("PUT /mode bad = %d", w.Code)
	}

	w = do(r, http.MethodDelete, "/api/v1/session", "")
	if w.Code != http.StatusOK {
		t.Fatalf("DELETE /session = %d", w.Code)
	}
	if ctrl.Status().Connected {
		t.Error("session still connected")
	}
}

func TestPortsAndParams(t *testing.T) {
	r, _, _ := setupServer(t)

	w := do(r, http.MethodGet, "/api/v1/ports/serial", "")
	var serialResp struct {
		Ports    []transport.PortInfo `json:"ports"`
		Detected string               `json:"detected"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &serialResp); err != nil {
		t.Fatal(err)
	}
	if len(serialResp.Ports) != 2 || serialResp.Detected != "/dev/ttyACM0" {
		t.Errorf("serial ports = %+v", serialResp)
	}

	w = do(r, http.MethodGet, "/api/v1/ports/midi", "")
	var midiResp map[string][]string
	if err := json.Unmarshal(w.Body.Bytes(), &midiResp); err != nil {
		t.Fatal(err)
	}
	if len(midiResp["outputs"]) != 1 {
		t.Errorf("midi ports = %v", midiResp)
	}

	w = do(r, http.MethodGet, "/api/v1/params", "")
	var paramsResp map[string][]map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &paramsResp); err != nil {
		t.Fatal(err)
	}
	if len(paramsResp["params"]) != 12 || paramsResp["params"][10]["name"] != "type" {
		t.Errorf("params = %v", paramsResp)
	}
}

func TestCORS(t *testing.T) {
	r, _, _ := setupServer(t)
	w := do(r, http.MethodOptions, "/api/v1/pins", "")
	if w.Code != http.StatusNoContent {
		t.Errorf("OPTIONS = %d, want 204", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}

func TestSyxExportImport(t *testing.T) {
	r, ctrl, _ := setupServer(t)
	_ = ctrl.Store().Set(5, pins.ParamNote, 45)

	w := do(r, http.MethodGet, "/api/v1/syx?save=true", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /syx = %d", w.Code)
	}
	dump := w.Body.Bytes()
	if len(dump) != pins.PinCount*len(pins.Params)*protocol.FrameLen || dump[2] != byte(protocol.OpSetSave) {
		t.Fatalf("dump len %d opcode %02X", len(dump), dump[2])
	}

	_ = ctrl.Store().Set(5, pins.ParamNote, 0)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "kit.syx")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = fw.Write(dump)
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/syx", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("POST /syx = %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]int
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["applied"] != pins.PinCount*len(pins.Params) || resp["skipped"] != 0 {
		t.Errorf("import = %v", resp)
	}
	if v, _ := ctrl.Store().Value(5, pins.ParamNote); v != 45 {
		t.Errorf("note = %d, want 45", v)
	}

	if w := do(r, http.MethodPost, "/api/v1/syx", ""); w.Code != http.StatusBadRequest {
		t.Errorf("POST /syx without file = %d, want 400", w.Code)
	}
}
