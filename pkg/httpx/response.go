package httpx

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// StatusCoder 能给出HTTP状态码的错误
type StatusCoder interface {
	HTTPStatus() int
}

// WriteObject 写出JSON响应；err 非空时按其状态码返回，未知错误视为500
func WriteObject(c *gin.Context, obj interface{}, err error) {
	status := http.StatusOK
	if err != nil {
		status = http.StatusInternalServerError
		var sc StatusCoder
		if errors.As(err, &sc) {
			status = sc.HTTPStatus()
		}
	}
	c.JSON(status, obj)
}
