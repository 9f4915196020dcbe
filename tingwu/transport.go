package tingwu

import (
	"context"
	"errors"
	"net/http"

	"mediascribe/task"

	"github.com/aliyun/alibaba-cloud-sdk-go/sdk"
	sdkerrors "github.com/aliyun/alibaba-cloud-sdk-go/sdk/errors"
	"github.com/aliyun/alibaba-cloud-sdk-go/sdk/requests"
)

const apiVersion = "2023-09-30"

// Transport performs one signed ROA call against the tingwu OpenAPI.
type Transport interface {
	Do(ctx context.Context, method, pathPattern string, query map[string]string, body []byte) ([]byte, error)
}

// SDKTransport signs requests with the Alibaba Cloud SDK.
type SDKTransport struct {
	client   *sdk.Client
	endpoint string
}

func NewSDKTransport(region, endpoint, accessKeyID, accessKeySecret string) (*SDKTransport, error) {
	client, err := sdk.NewClientWithAccessKey(region, accessKeyID, accessKeySecret)
	if err != nil {
		return nil, task.Wrap(task.KindConfiguration, err, "create tingwu client")
	}
	return &SDKTransport{client: client, endpoint: endpoint}, nil
}

func (t *SDKTransport) Do(ctx context.Context, method, pathPattern string, query map[string]string, body []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	req := requests.NewCommonRequest()
	req.Method = method
	req.Scheme = "https"
	req.Domain = t.endpoint
	req.Version = apiVersion
	req.PathPattern = pathPattern
	req.Headers["Content-Type"] = "application/json"
	for k, v := range query {
		req.QueryParams[k] = v
	}
	if len(body) > 0 {
		req.SetContent(body)
	}

	resp, err := t.client.ProcessCommonRequest(req)
	if err != nil {
		var serverErr *sdkerrors.ServerError
		if errors.As(err, &serverErr) && serverErr.HttpStatus() < http.StatusInternalServerError {
			return nil, task.Errorf(task.KindVendorRejection, "tingwu rejected the request: %s %s",
				serverErr.ErrorCode(), serverErr.Message())
		}
		return nil, task.Wrap(task.KindTransientNetwork, err, "tingwu request failed")
	}
	return resp.GetHttpContentBytes(), nil
}
