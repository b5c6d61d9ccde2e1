package notification

import (
	"database/sql"
	"net/url"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/nao1215/dealerhub/pkg/event"
)

// Record はスコープに配信される1件の通知。
// 作成後に変更されるのはReadAtの1回の遷移だけである。
type Record struct {
	// ID は通知の一意識別子。
	ID string `json:"id"`
	// Scope は配信先スコープ。
	Scope string `json:"scope"`
	// Type はイベント種別。未知の値もそのまま保持する。
	Type event.Type `json:"type"`
	// Kind はTypeから導出した表示用の種別。
	Kind event.Kind `json:"kind"`
	// Message は表示メッセージ。
	Message string `json:"message"`
	// Link は遷移先リンク。存在しない場合は空文字列。
	Link string `json:"link,omitempty"`
	// CreatedAt は作成日時。フィードの並び順を決める。
	CreatedAt time.Time `json:"created_at"`
	// ReadAt は既読日時。nilは未読。
	ReadAt *time.Time `json:"read_at"`
}

// Unread は未読かどうかを返す。
func (r Record) Unread() bool {
	return r.ReadAt == nil
}

// NewRecord は時刻順に並ぶULIDを割り当てた通知を生成する。
func NewRecord(scope string, typ event.Type, message, link string, createdAt time.Time) Record {
	createdAt = createdAt.UTC().Truncate(time.Millisecond)
	return Record{
		ID:        ulid.MustNew(ulid.Timestamp(createdAt), ulid.DefaultEntropy()).String(),
		Scope:     scope,
		Type:      typ,
		Kind:      event.KindOf(typ),
		Message:   message,
		Link:      link,
		CreatedAt: createdAt,
	}
}

// OrderLink は注文詳細画面へのリンクを返す。
func OrderLink(orderID string) string {
	if orderID == "" {
		return ""
	}
	return "/orders/" + url.PathEscape(orderID)
}

// row はnotificationsテーブルの1行。日時はUNIXミリ秒で保存する。
type row struct {
	ID        string         `db:"id"`
	Scope     string         `db:"scope"`
	Type      string         `db:"type"`
	Message   string         `db:"message"`
	Link      sql.NullString `db:"link"`
	CreatedAt int64          `db:"created_at"`
	ReadAt    sql.NullInt64  `db:"read_at"`
}

// toRecord はDB行を通知に変換する。
func (r row) toRecord() Record {
	rec := Record{
		ID:        r.ID,
		Scope:     r.Scope,
		Type:      event.Type(r.Type),
		Kind:      event.KindOf(event.Type(r.Type)),
		Message:   r.Message,
		Link:      r.Link.String,
		CreatedAt: fromMillis(r.CreatedAt),
	}
	if r.ReadAt.Valid {
		t := fromMillis(r.ReadAt.Int64)
		rec.ReadAt = &t
	}
	return rec
}

// toRecords はDB行のスライスを通知のスライスに変換する。
func toRecords(rows []row) []Record {
	records := make([]Record, 0, len(rows))
	for _, r := range rows {
		records = append(records, r.toRecord())
	}
	return records
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
