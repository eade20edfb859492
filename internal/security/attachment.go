package security

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/searchchat/internal/model"
)

// allowedAttachmentTypes はモデルに渡せる添付ファイルの種類。
var allowedAttachmentTypes = []string{
	"image/png",
	"image/jpeg",
	"image/gif",
	"image/webp",
	"application/pdf",
	"text/plain",
}

const probeTimeout = 5 * time.Second

// AttachmentVerifier は添付ファイルの参照先を検証する。
// 静的な検証は常に行い、probe が有効な場合はHEADリクエストで到達性と種類を確認する。
type AttachmentVerifier struct {
	validate func(rawURL string) error
	client   *http.Client
	probe    bool
}

// NewAttachmentVerifier は新しいAttachmentVerifierを生成する。
func NewAttachmentVerifier(guard *URLGuard, probe bool) *AttachmentVerifier {
	return &AttachmentVerifier{
		validate: guard.Validate,
		client:   guard.Client(probeTimeout),
		probe:    probe,
	}
}

// Verify は全ての添付ファイルを検証し、最初に見つかった問題を
// model.ErrCodeInvalidAttachment のAPIErrorとして返す。
func (v *AttachmentVerifier) Verify(ctx context.Context, attachments []model.Attachment) error {
	for _, a := range attachments {
		if err := v.validate(a.URL); err != nil {
			return model.NewInvalidAttachmentError(err.Error())
		}
		if !slices.Contains(allowedAttachmentTypes, mediaType(a.MimeType)) {
			return model.NewInvalidAttachmentError(fmt.Sprintf("未対応の形式です: %s", a.MimeType))
		}
	}
	if !v.probe {
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, a := range attachments {
		g.Go(func() error {
			return v.head(ctx, a)
		})
	}
	return g.Wait()
}

// head は参照先が取得可能で、宣言された種類と矛盾しないことを確認する。
func (v *AttachmentVerifier) head(ctx context.Context, a model.Attachment) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, a.URL, nil)
	if err != nil {
		return model.NewInvalidAttachmentError(err.Error())
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return model.NewInvalidAttachmentError(fmt.Sprintf("%s に接続できません", a.URL))
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return model.NewInvalidAttachmentError(fmt.Sprintf("%s がステータス %d を返しました", a.URL, resp.StatusCode))
	}
	got := mediaType(resp.Header.Get("Content-Type"))
	if got != "" && got != "application/octet-stream" && got != mediaType(a.MimeType) {
		return model.NewInvalidAttachmentError(fmt.Sprintf("%s の形式 %s が %s と一致しません", a.URL, got, a.MimeType))
	}
	return nil
}

func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return mt
}
