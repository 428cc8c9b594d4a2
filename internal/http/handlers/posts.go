package handlers

import (
	"net/http"
	"time"

	"github.com/quantforum/server/internal/common"
	"github.com/quantforum/server/internal/logging"
	"github.com/quantforum/server/internal/middleware"
	"github.com/quantforum/server/internal/mint"
	"github.com/quantforum/server/internal/model"
	"github.com/quantforum/server/internal/repo"
)

// IdempotencyHeader lets clients dedupe anchored post retries
const IdempotencyHeader = "Idempotency-Key"

// PostHandler serves the post ledger
type PostHandler struct {
	flow  *mint.Flow
	posts repo.PostRepo
	log   logging.Logger
}

func NewPostHandler(flow *mint.Flow, posts repo.PostRepo, log logging.Logger) *PostHandler {
	return &PostHandler{flow: flow, posts: posts, log: log}
}

type createPostRequest struct {
	Content  string `json:"content"`
	Anchored bool   `json:"anchored"`
}

type createPostResponse struct {
	PostID    string `json:"post_id,omitempty"`
	TxRef     string `json:"tx_ref,omitempty"`
	AnchorRef string `json:"anchor_ref,omitempty"`
	Replayed  bool   `json:"replayed,omitempty"`
}

type postResponse struct {
	ID              string         `json:"id"`
	Author          string         `json:"author"`
	Content         string         `json:"content"`
	Kind            model.PostKind `json:"kind"`
	AnchorRef       *string        `json:"anchor_ref"`
	TxRef           *string        `json:"tx_ref"`
	AuthorSignature *string        `json:"author_signature,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

type listPostsResponse struct {
	Posts []postResponse `json:"posts"`
}

// HandleList handles GET /posts
func (h *PostHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	posts, err := h.posts.List(r.Context())
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}

	out := listPostsResponse{Posts: make([]postResponse, 0, len(posts))}
	for _, p := range posts {
		out.Posts = append(out.Posts, postResponse{
			ID:              p.ID,
			Author:          p.AuthorRef,
			Content:         p.Content,
			Kind:            p.Kind,
			AnchorRef:       p.AnchorRef,
			TxRef:           p.TxRef,
			AuthorSignature: p.AuthorSignature,
			CreatedAt:       p.CreatedAt,
		})
	}
	respondWithJSON(w, http.StatusOK, out)
}

// HandleCreate handles POST /posts (protected)
func (h *PostHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.GetClaims(r.Context())
	if !ok {
		writeError(w, r, h.log, common.ErrUnauthorized)
		return
	}

	var req createPostRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}

	res, err := h.flow.Publish(r.Context(), claims, mint.Request{
		Content:        req.Content,
		Anchored:       req.Anchored,
		IdempotencyKey: r.Header.Get(IdempotencyHeader),
	})
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	respondWithJSON(w, status, createPostResponse{
		PostID:    res.PostID,
		TxRef:     res.TxRef,
		AnchorRef: res.AnchorRef,
		Replayed:  res.Replayed,
	})
}
