package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	json "github.com/goccy/go-json"
)

// goccySerializer is echo's JSON codec backed by goccy/go-json.
type goccySerializer struct{}

func (goccySerializer) Serialize(c echo.Context, i any, indent string) error {
	enc := json.NewEncoder(c.Response())
	if indent != "" {
		enc.SetIndent("", indent)
	}
	return enc.Encode(i)
}

func (goccySerializer) Deserialize(c echo.Context, i any) error {
	err := json.NewDecoder(c.Request().Body).Decode(i)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed JSON: "+err.Error()).SetInternal(err)
	}
	return nil
}
