package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nao1215/dealerhub/pkg/apperr"
)

// testRequest はテストサーバーが受け取ったリクエスト情報を保持する構造体。
type testRequest struct {
	// Method はHTTPメソッド。
	Method string
	// Path はリクエストパス。
	Path string
	// Body はリクエストボディ。
	Body []byte
	// Headers はリクエストヘッダー。
	Headers http.Header
}

// testPayload はテスト用のリクエスト/レスポンスペイロード。
type testPayload struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

// recordingServer は受け取ったリクエストを記録し、固定のJSONを返すテストサーバーを生成する。
func recordingServer(t *testing.T, status int, resp any) (*httptest.Server, *testRequest) {
	t.Helper()

	received := &testRequest{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Method = r.Method
		received.Path = r.URL.Path
		received.Body, _ = io.ReadAll(r.Body)
		received.Headers = r.Header

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if resp != nil {
			json.NewEncoder(w).Encode(resp)
		}
	}))
	t.Cleanup(ts.Close)
	return ts, received
}

// TestNew はNew関数でクライアントが正しく生成されることを検証する。
func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("デフォルトのタイムアウトが30秒であること", func(t *testing.T) {
		t.Parallel()

		client := New("http://localhost:8086")
		if client.BaseURL() != "http://localhost:8086" {
			t.Errorf("BaseURL() = %q, want %q", client.BaseURL(), "http://localhost:8086")
		}
		if client.httpClient.Timeout != 30*time.Second {
			t.Errorf("Timeout = %v, want 30s", client.httpClient.Timeout)
		}
	})

	t.Run("オプションでトークンとタイムアウトを設定できること", func(t *testing.T) {
		t.Parallel()

		client := New("http://localhost:8086", WithToken("tok"), WithTimeout(5*time.Second))
		if client.Token() != "tok" {
			t.Errorf("Token() = %q, want %q", client.Token(), "tok")
		}
		if client.httpClient.Timeout != 5*time.Second {
			t.Errorf("Timeout = %v, want 5s", client.httpClient.Timeout)
		}
	})
}

// TestGetJSON はGetJSON関数を検証する。
func TestGetJSON(t *testing.T) {
	t.Parallel()

	t.Run("レスポンスをデシリアライズしBearerトークンを送信すること", func(t *testing.T) {
		t.Parallel()

		ts, received := recordingServer(t, http.StatusOK, testPayload{Name: "feed", Value: 3})
		client := New(ts.URL, WithToken("staff-token"))

		var result testPayload
		if err := client.GetJSON(context.Background(), "/api/v1/notifications/staff", &result); err != nil {
			t.Fatalf("GetJSON()でエラーが発生: %v", err)
		}

		if received.Method != http.MethodGet {
			t.Errorf("Method = %q, want %q", received.Method, http.MethodGet)
		}
		if received.Path != "/api/v1/notifications/staff" {
			t.Errorf("Path = %q", received.Path)
		}
		if got := received.Headers.Get("Authorization"); got != "Bearer staff-token" {
			t.Errorf("Authorization = %q, want %q", got, "Bearer staff-token")
		}
		if len(received.Body) != 0 {
			t.Errorf("GETリクエストにボディが含まれている: %q", string(received.Body))
		}
		if result != (testPayload{Name: "feed", Value: 3}) {
			t.Errorf("result = %+v", result)
		}
	})

	t.Run("トークン未設定の場合Authorizationヘッダーを送らないこと", func(t *testing.T) {
		t.Parallel()

		ts, received := recordingServer(t, http.StatusOK, testPayload{})
		client := New(ts.URL)

		if err := client.GetJSON(context.Background(), "/health", nil); err != nil {
			t.Fatalf("GetJSON()でエラーが発生: %v", err)
		}
		if got := received.Headers.Get("Authorization"); got != "" {
			t.Errorf("Authorization = %q, want empty", got)
		}
	})

	t.Run("不正なJSONレスポンスでエラーが返ること", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte(`{invalid json}`))
		}))
		defer ts.Close()

		var result testPayload
		if err := New(ts.URL).GetJSON(context.Background(), "/x", &result); err == nil {
			t.Fatal("GetJSON()がエラーを返すべきだが、nilが返った")
		}
	})

	t.Run("接続できないサーバーに対してエラーが返ること", func(t *testing.T) {
		t.Parallel()

		if err := New("http://127.0.0.1:1").GetJSON(context.Background(), "/x", nil); err == nil {
			t.Fatal("GetJSON()がエラーを返すべきだが、nilが返った")
		}
	})
}

// TestPutJSONAndDelete はPUTとDELETEのリクエストを検証する。
func TestPutJSONAndDelete(t *testing.T) {
	t.Parallel()

	t.Run("PutJSONがボディを送信すること", func(t *testing.T) {
		t.Parallel()

		ts, received := recordingServer(t, http.StatusOK, map[string]string{"status": "ok"})
		body := testPayload{Name: "resolve", Value: 1}

		if err := New(ts.URL).PutJSON(context.Background(), "/api/v1/orders/o-1/resolve-dispute", body, nil); err != nil {
			t.Fatalf("PutJSON()でエラーが発生: %v", err)
		}
		if received.Method != http.MethodPut {
			t.Errorf("Method = %q, want %q", received.Method, http.MethodPut)
		}
		var sent testPayload
		if err := json.Unmarshal(received.Body, &sent); err != nil {
			t.Fatalf("リクエストボディのパースに失敗: %v", err)
		}
		if sent != body {
			t.Errorf("sent = %+v, want %+v", sent, body)
		}
	})

	t.Run("Deleteがメソッドとパスを送信すること", func(t *testing.T) {
		t.Parallel()

		ts, received := recordingServer(t, http.StatusNoContent, nil)

		if err := New(ts.URL).Delete(context.Background(), "/api/v1/notifications/n-1"); err != nil {
			t.Fatalf("Delete()でエラーが発生: %v", err)
		}
		if received.Method != http.MethodDelete {
			t.Errorf("Method = %q, want %q", received.Method, http.MethodDelete)
		}
		if received.Path != "/api/v1/notifications/n-1" {
			t.Errorf("Path = %q", received.Path)
		}
	})

	t.Run("シリアライズ不可能なボディでエラーが返ること", func(t *testing.T) {
		t.Parallel()

		if err := New("http://127.0.0.1:1").PutJSON(context.Background(), "/x", make(chan int), nil); err == nil {
			t.Fatal("PutJSON()がエラーを返すべきだが、nilが返った")
		}
	})
}

// TestStatusError は2xx以外のレスポンスがStatusErrorとして分類されることを検証する。
func TestStatusError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		want   error
	}{
		{name: "404はErrNotFound", status: http.StatusNotFound, want: apperr.ErrNotFound},
		{name: "409はErrNotDisputed", status: http.StatusConflict, want: apperr.ErrNotDisputed},
		{name: "400はErrInvalidTransition", status: http.StatusBadRequest, want: apperr.ErrInvalidTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ts, _ := recordingServer(t, tt.status, map[string]string{"error": "x"})
			err := New(ts.URL).Delete(context.Background(), "/x")
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			code, ok := StatusCode(err)
			if !ok || code != tt.status {
				t.Errorf("StatusCode() = %d, %v; want %d", code, ok, tt.status)
			}
		})
	}

	t.Run("500はどの分類にも該当しないこと", func(t *testing.T) {
		t.Parallel()

		ts, _ := recordingServer(t, http.StatusInternalServerError, nil)
		err := New(ts.URL).GetJSON(context.Background(), "/x", nil)
		if err == nil {
			t.Fatal("エラーが返るべき")
		}
		if errors.Is(err, apperr.ErrNotFound) || errors.Is(err, apperr.ErrNotDisputed) {
			t.Errorf("500が分類済みエラーとして扱われた: %v", err)
		}
	})
}

// TestWithRequestID はリクエストIDの伝播を検証する。
func TestWithRequestID(t *testing.T) {
	t.Parallel()

	ts, received := recordingServer(t, http.StatusOK, testPayload{})
	ctx := WithRequestID(context.Background(), "req-42")

	if err := New(ts.URL).PostJSON(ctx, "/x", testPayload{}, nil); err != nil {
		t.Fatalf("PostJSON()でエラーが発生: %v", err)
	}
	if got := received.Headers.Get("X-Request-ID"); got != "req-42" {
		t.Errorf("X-Request-ID = %q, want %q", got, "req-42")
	}
}
