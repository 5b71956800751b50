package gql

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/graphql-go/graphql"
	"github.com/graphql-go/graphql/gqlerrors"
	"github.com/graphql-go/graphql/language/ast"
	"github.com/graphql-go/graphql/language/parser"
	"github.com/sirupsen/logrus"
)

// Request is the body of a GraphQL HTTP request and the payload of a
// websocket subscribe message.
type Request struct {
	Query         string                 `json:"query"`
	OperationName string                 `json:"operationName,omitempty"`
	Variables     map[string]interface{} `json:"variables,omitempty"`
	Extensions    map[string]interface{} `json:"extensions,omitempty"`
}

// Service executes requests against the realtime schema.
type Service struct {
	schema graphql.Schema
	config Config
	logger *logrus.Entry
}

func NewService(res Resolvers, opts ...Option) (*Service, error) {
	cfg := newConfig(opts...)

	schema, err := newSchema(res, cfg)
	if err != nil {
		return nil, err
	}

	return &Service{
		schema: schema,
		config: cfg,
		logger: cfg.logger.WithField("component", "gql"),
	}, nil
}

func (s *Service) Schema() graphql.Schema { return s.schema }

// OperationType reports query, mutation or subscription for the operation
// req selects. Unparseable documents report an empty type.
func OperationType(req Request) string {
	doc, err := parser.Parse(parser.ParseParams{Source: req.Query})
	if err != nil {
		return ""
	}

	for _, def := range doc.Definitions {
		op, ok := def.(*ast.OperationDefinition)
		if !ok {
			continue
		}
		if req.OperationName == "" || (op.Name != nil && op.Name.Value == req.OperationName) {
			return op.Operation
		}
	}
	return ""
}

// Do executes a query or mutation.
func (s *Service) Do(ctx context.Context, req Request) *graphql.Result {
	if OperationType(req) == ast.OperationTypeSubscription {
		return errorResult(BadUserInput("subscriptions require a websocket connection", nil))
	}

	return FormatResult(graphql.Do(graphql.Params{
		Schema:         s.schema,
		RequestString:  req.Query,
		VariableValues: req.Variables,
		OperationName:  req.OperationName,
		Context:        ctx,
	}))
}

// Subscribe runs req and streams its results. Queries and mutations yield
// a single result. The channel closes when the operation ends or ctx is
// cancelled; callers must drain it.
func (s *Service) Subscribe(ctx context.Context, req Request) <-chan *graphql.Result {
	if OperationType(req) != ast.OperationTypeSubscription {
		out := make(chan *graphql.Result, 1)
		out <- s.Do(ctx, req)
		close(out)
		return out
	}

	in := graphql.Subscribe(graphql.Params{
		Schema:         s.schema,
		RequestString:  req.Query,
		VariableValues: req.Variables,
		OperationName:  req.OperationName,
		Context:        ctx,
	})

	out := make(chan *graphql.Result)
	go func() {
		defer close(out)
		for r := range in {
			select {
			case out <- FormatResult(r):
			case <-ctx.Done():
				// keep draining so the executor can finish
			}
		}
	}()
	return out
}

func errorResult(err error) *graphql.Result {
	return FormatResult(&graphql.Result{Errors: gqlerrors.FormatErrors(err)})
}

// Perform handles POST /graphql.
func (s *Service) Perform(c *gin.Context) {
	var req Request

	if err := c.ShouldBindJSON(&req); err != nil {
		s.logger.Debugf("bad graphql request: %v", err)
		c.JSON(http.StatusBadRequest, errorResult(BadUserInput("invalid request body", err)))
		return
	}

	c.JSON(http.StatusOK, s.Do(c.Request.Context(), req))
}

// GraphiQL serves the in-browser IDE on GET /graphql when enabled.
func (s *Service) GraphiQL(c *gin.Context) {
	if !s.config.graphiql {
		c.JSON(http.StatusMethodNotAllowed, errorResult(BadUserInput("GET is only supported for websocket upgrades", nil)))
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(graphiqlPage))
}

const graphiqlPage = `<!DOCTYPE html>
<html>
<head>
  <title>ed-graphql</title>
  <link rel="stylesheet" href="https://unpkg.com/graphiql@3/graphiql.min.css" />
</head>
<body style="margin:0">
  <div id="graphiql" style="height:100vh"></div>
  <script crossorigin src="https://unpkg.com/react@18/umd/react.production.min.js"></script>
  <script crossorigin src="https://unpkg.com/react-dom@18/umd/react-dom.production.min.js"></script>
  <script crossorigin src="https://unpkg.com/graphql-ws@5/umd/graphql-ws.min.js"></script>
  <script crossorigin src="https://unpkg.com/graphiql@3/graphiql.min.js"></script>
  <script>
    const url = window.location.href;
    const wsUrl = url.replace(/^http/, 'ws');
    const fetcher = GraphiQL.createFetcher({ url, subscriptionUrl: wsUrl, wsClient: graphqlWs.createClient({ url: wsUrl }) });
    ReactDOM.createRoot(document.getElementById('graphiql')).render(React.createElement(GraphiQL, { fetcher }));
  </script>
</body>
</html>
`
