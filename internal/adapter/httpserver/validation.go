package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/TedBerlin/baguette-metro-sub000/internal/domain"
)

// maxBodyBytes caps every JSON request body.
const maxBodyBytes = 64 << 10

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New(validator.WithRequiredStructEnabled()) })
	return vld
}

type chatRequest struct {
	Message  string `json:"message" validate:"required,max=2000"`
	Language string `json:"language" validate:"omitempty,oneof=fr en ja"`
}

type adviceRequest struct {
	Origin      string `json:"origin" validate:"required,max=200"`
	Destination string `json:"destination" validate:"required,max=200"`
	ETA         string `json:"eta" validate:"max=50"`
	Distance    string `json:"distance" validate:"max=50"`
	Language    string `json:"language" validate:"omitempty,oneof=fr en ja"`
}

// decodeAndValidate reads a JSON body into dst and runs the struct validator.
// The returned details map field names to the failed rule.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) (map[string]string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return map[string]string{"max_bytes": fmt.Sprint(maxBodyBytes)}, fmt.Errorf("%w: request body too large", domain.ErrInvalidArgument)
		case errors.Is(err, io.EOF):
			return nil, fmt.Errorf("%w: empty body", domain.ErrInvalidArgument)
		default:
			return nil, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument)
		}
	}
	if err := getValidator().Struct(dst); err != nil {
		verrs := map[string]string{}
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			for _, fe := range ve {
				verrs[strings.ToLower(fe.Field())] = fe.Tag()
			}
		}
		return verrs, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument)
	}
	return nil, nil
}
