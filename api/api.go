// Package api serves the REST endpoints: sign up and in, the buddy list,
// avatar upload, message submission and blob downloads.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang/glog"
	"github.com/pborman/uuid"

	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/blob"
	"github.com/mqy/minichat/feed"
	pb "github.com/mqy/minichat/proto"
	"github.com/mqy/minichat/store"
)

const (
	AvatarMaxBytes = 2 << 20
	bodyMaxBytes   = 64 << 10
)

// Identity signs principals up and in.
type Identity interface {
	SignUp(ctx context.Context, email, password string) (string, error)
	SignIn(ctx context.Context, email, password string) (string, error)
}

// MsgSaver accepts messages into the feed, see `cluster.ICluster.SaveMsg`.
type MsgSaver interface {
	SaveMsg(ctx context.Context, msg *store.Message) error
}

// MsgGetter reads a stored message, nil if absent.
type MsgGetter interface {
	Get(ctx context.Context, id string) (*store.Message, error)
}

// BlobReader reads back blobs of a locally served backend.
type BlobReader interface {
	Get(path string) ([]byte, error)
}

type Config struct {
	Auth     auth.Client
	Identity Identity // nil: sign up and in are disabled.
	Users    store.IUserStore
	Blobs    blob.Store
	BlobsDir BlobReader // nil: GET /blobs/ is not served.
	Saver    MsgSaver
	Messages MsgGetter // nil: GET /api/messages/{id} is not served.
}

type Api struct {
	conf     *Config
	validate *validator.Validate
	now      func() time.Time
}

func New(conf *Config) *Api {
	return &Api{
		conf:     conf,
		validate: validator.New(),
		now:      time.Now,
	}
}

// Register adds the routes to mux.
func (a *Api) Register(mux *http.ServeMux) {
	if a.conf.Identity != nil {
		mux.HandleFunc("POST /api/auth/signup", a.signUp)
		mux.HandleFunc("POST /api/auth/signin", a.signIn)
	}
	mux.HandleFunc("GET /api/users", a.listUsers)
	mux.HandleFunc("GET /api/users/me", a.me)
	mux.HandleFunc("PUT /api/avatar", a.uploadAvatar)
	mux.HandleFunc("POST /api/messages", a.sendMessage)
	if a.conf.Messages != nil {
		mux.HandleFunc("GET /api/messages/{id}", a.getMessage)
	}
	if a.conf.BlobsDir != nil {
		mux.HandleFunc("GET /blobs/{path...}", a.getBlob)
	}
}

func (a *Api) signUp(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decodeAuthReq(w, r)
	if !ok {
		return
	}
	token, err := a.conf.Identity.SignUp(r.Context(), req.Email, req.Password)
	if errors.Is(err, auth.ErrEmailExists) {
		writeError(w, http.StatusConflict, err.Error())
		return
	} else if err != nil {
		glog.Errorf("api: sign up error: %v", err)
		writeError(w, http.StatusInternalServerError, "sign up failed")
		return
	}
	writeJSON(w, http.StatusCreated, &pb.AuthResp{Token: token, Principal: req.Email})
}

func (a *Api) signIn(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decodeAuthReq(w, r)
	if !ok {
		return
	}
	token, err := a.conf.Identity.SignIn(r.Context(), req.Email, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	} else if err != nil {
		glog.Errorf("api: sign in error: %v", err)
		writeError(w, http.StatusInternalServerError, "sign in failed")
		return
	}
	writeJSON(w, http.StatusOK, &pb.AuthResp{Token: token, Principal: req.Email})
}

func (a *Api) decodeAuthReq(w http.ResponseWriter, r *http.Request) (*pb.AuthReq, bool) {
	var req pb.AuthReq
	if !a.decode(w, r, &req) {
		return nil, false
	}
	req.Email = feed.NormalizePrincipal(req.Email)
	if err := a.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	return &req, true
}

// listUsers is the buddy list: every user but the caller.
func (a *Api) listUsers(w http.ResponseWriter, r *http.Request) {
	principal, ok := a.authenticate(w, r)
	if !ok {
		return
	}
	users, err := a.conf.Users.List(r.Context())
	if err != nil {
		glog.Errorf("api: list users error: %v", err)
		writeError(w, http.StatusInternalServerError, "list users failed")
		return
	}
	out := make([]*pb.User, 0, len(users))
	for _, u := range users {
		if u.Principal != principal {
			out = append(out, &pb.User{Principal: u.Principal, AvatarUrl: u.AvatarURL})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *Api) me(w http.ResponseWriter, r *http.Request) {
	principal, ok := a.authenticate(w, r)
	if !ok {
		return
	}
	u, err := a.conf.Users.Get(r.Context(), principal)
	if err != nil {
		glog.Errorf("api: get user %s error: %v", principal, err)
		writeError(w, http.StatusInternalServerError, "get user failed")
		return
	}
	if u == nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, &pb.User{Principal: u.Principal, AvatarUrl: u.AvatarURL})
}

func (a *Api) uploadAvatar(w http.ResponseWriter, r *http.Request) {
	principal, ok := a.authenticate(w, r)
	if !ok {
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, AvatarMaxBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "avatar exceeds 2 MiB")
			return
		}
		writeError(w, http.StatusBadRequest, "read body failed")
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "empty avatar")
		return
	}

	path := blob.AvatarPath(principal)
	if err := a.conf.Blobs.Upload(r.Context(), path, bytes.NewReader(data)); err != nil {
		glog.Errorf("api: upload avatar %s error: %v", path, err)
		writeError(w, http.StatusBadGateway, "upload failed")
		return
	}
	url, err := a.conf.Blobs.PublicURL(path)
	if err != nil {
		glog.Errorf("api: avatar url %s error: %v", path, err)
		writeError(w, http.StatusInternalServerError, "upload failed")
		return
	}
	if err := a.conf.Users.UpsertAvatar(r.Context(), principal, url); err != nil {
		glog.Errorf("api: save avatar url for %s error: %v", principal, err)
		writeError(w, http.StatusInternalServerError, "upload failed")
		return
	}
	writeJSON(w, http.StatusOK, &pb.User{Principal: principal, AvatarUrl: url})
}

func (a *Api) sendMessage(w http.ResponseWriter, r *http.Request) {
	principal, ok := a.authenticate(w, r)
	if !ok {
		return
	}

	var req pb.SendReq
	if !a.decode(w, r, &req) {
		return
	}
	req.Receiver = feed.NormalizePrincipal(req.Receiver)
	if err := a.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text: should not be blank")
		return
	}

	msg := &store.Message{
		Id:       req.Id,
		Text:     req.Text,
		Sender:   principal,
		Receiver: req.Receiver,
	}
	if msg.Id == "" {
		msg.Id = uuid.New()
	}
	if len(req.CreatedAt) == 0 {
		msg.CreatedAt = a.now()
	} else if t, ok := feed.ParseTime(req.CreatedAt); ok {
		msg.CreatedAt = t
	} else {
		writeError(w, http.StatusBadRequest, "createdAt: unsupported encoding")
		return
	}

	if err := a.conf.Saver.SaveMsg(r.Context(), msg); err != nil {
		glog.Errorf("api: save message %s error: %v", msg.Id, err)
		writeError(w, http.StatusServiceUnavailable, "save message failed")
		return
	}
	writeJSON(w, http.StatusOK, &pb.SendResp{Id: msg.Id})
}

// getMessage lets a participant check a message got stored.
func (a *Api) getMessage(w http.ResponseWriter, r *http.Request) {
	principal, ok := a.authenticate(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	m, err := a.conf.Messages.Get(r.Context(), id)
	if err != nil {
		glog.Errorf("api: get message %s error: %v", id, err)
		writeError(w, http.StatusInternalServerError, "get message failed")
		return
	}
	if m == nil || (m.Sender != principal && m.Receiver != principal) {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	writeJSON(w, http.StatusOK, &pb.Message{
		Id:        m.Id,
		CreatedAt: feed.FormatTime(m.CreatedAt),
		Text:      m.Text,
		Sender:    m.Sender,
		Receiver:  m.Receiver,
	})
}

func (a *Api) getBlob(w http.ResponseWriter, r *http.Request) {
	path := r.PathValue("path")
	data, err := a.conf.BlobsDir.Get(path)
	if err != nil {
		glog.Errorf("api: get blob %s error: %v", path, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if data == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(data)
}

func (a *Api) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	principal, err := a.conf.Auth.Auth(r)
	if err != nil {
		glog.V(5).Infof("api: authenticate error: %v", err)
		writeError(w, http.StatusUnauthorized, auth.ErrUnauthenticated.Error())
		return "", false
	}
	return principal, true
}

func (a *Api) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, bodyMaxBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "cannot parse JSON")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		glog.Errorf("api: write response error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, &pb.ApiError{Error: msg})
}
