package devserver

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"strconv"

	"github.com/dmitrijs2005/purchasesync/internal/client/verification"
	"github.com/dmitrijs2005/purchasesync/internal/common"
	"github.com/dmitrijs2005/purchasesync/internal/logging"
	"github.com/dmitrijs2005/purchasesync/internal/timex"
)

// bufferedWriter holds the response until it is signed.
type bufferedWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (b *bufferedWriter) Header() http.Header { return b.header }

func (b *bufferedWriter) WriteHeader(status int) {
	if b.status == 0 {
		b.status = status
	}
}

func (b *bufferedWriter) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

// signResponses signs every 2xx response over the request nonce, the request
// time, the ETag and the exact body bytes.
func signResponses(signer *verification.Signer, now timex.Clock, logger logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			buf := &bufferedWriter{header: w.Header()}
			next.ServeHTTP(buf, r)
			if buf.status == 0 {
				buf.status = http.StatusOK
			}

			if buf.status >= 200 && buf.status < 300 {
				var nonce []byte
				if v := r.Header.Get(common.NonceHeaderName); v != "" {
					n, err := base64.StdEncoding.DecodeString(v)
					if err != nil {
						writeError(w, r, http.StatusBadRequest, codeBadRequest, "nonce is not valid base64")
						return
					}
					nonce = n
				}

				sum := sha256.Sum256(buf.body.Bytes())
				etag := hex.EncodeToString(sum[:8])
				requestTime := now.Now().UnixMilli()
				sig, err := signer.Sign(verification.Input{
					Body:        buf.body.Bytes(),
					Nonce:       nonce,
					RequestTime: requestTime,
					ETag:        etag,
				})
				if err != nil {
					logger.Error(r.Context(), "failed to sign response", "error", err)
					writeError(w, r, http.StatusInternalServerError, codeInternal, "signing failed")
					return
				}
				h := w.Header()
				h.Set(common.SignatureHeaderName, sig)
				h.Set(common.RequestTimeHeaderName, strconv.FormatInt(requestTime, 10))
				h.Set(common.ETagHeaderName, etag)
			}

			w.WriteHeader(buf.status)
			_, _ = w.Write(buf.body.Bytes())
		})
	}
}
