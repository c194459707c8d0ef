// Package proto holds the JSON wire types shared by the server and the client SDK.
package proto

import "encoding/json"

// Message is one feed record. CreatedAt is left raw: the server writes unix
// milliseconds, but clients must cope with other encodings.
type Message struct {
	Id        string          `json:"id,omitempty"`
	CreatedAt json.RawMessage `json:"createdAt,omitempty"`
	Text      string          `json:"text"`
	Sender    string          `json:"sender"`
	Receiver  string          `json:"receiver"`
}

// Session describes one websocket connection.
type Session struct {
	Principal   string `json:"principal"`
	Sid         string `json:"sid"`
	CreateTime  int64  `json:"create_time"`
	Ip          string `json:"ip,omitempty"`
	Peer        string `json:"peer,omitempty"`
	KickoffTime int64  `json:"kickoff_time,omitempty"`
}

type WsConf struct {
	ScopedFeed    bool  `json:"scoped_feed"`
	SnapshotLimit int32 `json:"snapshot_limit,omitempty"`
	MaxMsgSize    int32 `json:"max_msg_size"`
}

type SubscribeReq struct {
	Peer string `json:"peer"`
}

type UnsubscribeReq struct{}

// ClientMsg is sent by websocket clients. Exactly one field is set.
type ClientMsg struct {
	Subscribe   *SubscribeReq   `json:"subscribe,omitempty"`
	Unsubscribe *UnsubscribeReq `json:"unsubscribe,omitempty"`
}

// Snapshot carries the whole (or pair scoped) feed, newest first.
type Snapshot struct {
	Me       string     `json:"me"`
	Peer     string     `json:"peer"`
	Scoped   bool       `json:"scoped,omitempty"`
	Messages []*Message `json:"messages"`
}

// ServerMsg is pushed to websocket clients. Exactly one field is set.
type ServerMsg struct {
	Conf     *WsConf   `json:"conf,omitempty"`
	Snapshot *Snapshot `json:"snapshot,omitempty"`
	Error    *Error    `json:"error,omitempty"`
	Kickoff  bool      `json:"kickoff,omitempty"`
}

type Error struct {
	Code   int32      `json:"code"`
	Params []string   `json:"params,omitempty"`
	Req    *ClientMsg `json:"req,omitempty"`
}

// HubMsg flows from the hub to the cluster.
type HubMsg struct {
	SessionOnline  *Session   `json:"session_online,omitempty"`
	SessionOffline string     `json:"session_offline,omitempty"`
	SyncSessions   []*Session `json:"sync_sessions,omitempty"`
}

// PushMsg flows from the cluster to the hub.
type PushMsg struct {
	Kickoff     []string `json:"kickoff,omitempty"`
	FeedChanged bool     `json:"feed_changed,omitempty"`
}

type SendReq struct {
	Id        string          `json:"id,omitempty"`
	CreatedAt json.RawMessage `json:"createdAt,omitempty"`
	Text      string          `json:"text" validate:"required"`
	Receiver  string          `json:"receiver" validate:"required,email"`
}

type SendResp struct {
	Id string `json:"id"`
}

type AuthReq struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6"`
}

type AuthResp struct {
	Token     string `json:"token"`
	Principal string `json:"principal"`
}

type User struct {
	Principal string `json:"principal"`
	AvatarUrl string `json:"avatar_url,omitempty"`
}

// ApiError is the body of a failed REST call.
type ApiError struct {
	Error string `json:"error"`
}
