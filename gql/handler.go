package gql

import (
	"github.com/ed-platform/ed-graphql/passport"
	"github.com/graphql-go/graphql"
	"github.com/graphql-go/graphql/language/ast"
	"github.com/sirupsen/logrus"
)

type HandlerFunc func(Params) (interface{}, error)

type Options struct {
	Public bool

	Handler HandlerFunc
}

type Params struct {
	graphql.ResolveParams

	Identity passport.Identity
	Logger   *logrus.Entry
}

func (p Params) Metadata() logrus.Fields {
	name := "anonymous"

	if definition, ok := p.ResolveParams.Info.Operation.(*ast.OperationDefinition); ok && definition.Name != nil {
		name = definition.GetName().Value
	}

	var op string
	if p.ResolveParams.Info.Operation != nil {
		op = p.ResolveParams.Info.Operation.GetOperation()
	}

	return logrus.Fields{
		"gql.operation.type": op,
		"gql.operation.name": name,
		"gql.field":          p.ResolveParams.Info.FieldName,
	}
}

// NewHandler wraps a resolver with identity lookup and error logging.
func NewHandler(logger *logrus.Entry, options Options) graphql.FieldResolveFn {
	return func(p graphql.ResolveParams) (interface{}, error) {
		ident, _ := passport.FromContext(p.Context)

		params := Params{ResolveParams: p, Identity: ident}
		params.Logger = logger.WithFields(params.Metadata())

		if !options.Public && !ident.IsLoggedIn() {
			return nil, Unauthenticated(nil)
		}

		result, err := options.Handler(params)
		if err != nil {
			if code, _ := CodeOf(err); code == "" || code == CodeInternalServerError {
				params.Logger.Errorf("error in GQL handler: %v", err)
			} else {
				params.Logger.Debugf("GQL handler returned %s: %v", code, err)
			}
			return nil, err
		}

		return result, nil
	}
}
