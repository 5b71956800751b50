package gql

import (
	"strconv"

	"github.com/ed-platform/ed-graphql/datastore"
	"github.com/ed-platform/ed-graphql/events"
	"github.com/graphql-go/graphql"
	"github.com/graphql-go/graphql/language/ast"
)

// JSON passes arbitrary JSON values through unchanged.
var JSON = graphql.NewScalar(graphql.ScalarConfig{
	Name:         "JSON",
	Description:  "Arbitrary JSON value",
	Serialize:    func(v interface{}) interface{} { return v },
	ParseValue:   func(v interface{}) interface{} { return v },
	ParseLiteral: parseLiteral,
})

func parseLiteral(value ast.Value) interface{} {
	switch v := value.(type) {
	case *ast.StringValue:
		return v.Value
	case *ast.BooleanValue:
		return v.Value
	case *ast.EnumValue:
		return v.Value
	case *ast.IntValue:
		n, err := strconv.ParseInt(v.Value, 10, 64)
		if err != nil {
			return nil
		}
		return n
	case *ast.FloatValue:
		f, err := strconv.ParseFloat(v.Value, 64)
		if err != nil {
			return nil
		}
		return f
	case *ast.ListValue:
		out := make([]interface{}, 0, len(v.Values))
		for _, item := range v.Values {
			out = append(out, parseLiteral(item))
		}
		return out
	case *ast.ObjectValue:
		out := make(map[string]interface{}, len(v.Fields))
		for _, f := range v.Fields {
			out[f.Name.Value] = parseLiteral(f.Value)
		}
		return out
	default:
		return nil
	}
}

// field builds a resolver reading from a typed source.
func field[T any](fn func(T) interface{}) graphql.FieldResolveFn {
	return func(p graphql.ResolveParams) (interface{}, error) {
		switch src := p.Source.(type) {
		case T:
			return fn(src), nil
		case *T:
			if src == nil {
				return nil, nil
			}
			return fn(*src), nil
		default:
			return nil, nil
		}
	}
}

var userChangeType = graphql.NewObject(graphql.ObjectConfig{
	Name:        "UserChange",
	Description: "A change to a user forwarded from the user service",
	Fields: graphql.Fields{
		"operation": &graphql.Field{
			Type:    graphql.NewNonNull(graphql.String),
			Resolve: field(func(u events.UserChange) interface{} { return u.Operation }),
		},
		"type": &graphql.Field{
			Type:    graphql.NewNonNull(graphql.String),
			Resolve: field(func(u events.UserChange) interface{} { return string(u.Type) }),
		},
		"payload": &graphql.Field{
			Type:    JSON,
			Resolve: field(func(u events.UserChange) interface{} { return u.Payload }),
		},
	},
})

var datastoreType = graphql.NewObject(graphql.ObjectConfig{
	Name: "Datastore",
	Fields: graphql.Fields{
		"id": &graphql.Field{
			Type:    graphql.NewNonNull(graphql.ID),
			Resolve: field(func(d datastore.Datastore) interface{} { return d.ID.String() }),
		},
		"name": &graphql.Field{
			Type:    graphql.NewNonNull(graphql.String),
			Resolve: field(func(d datastore.Datastore) interface{} { return d.Name }),
		},
		"description": &graphql.Field{
			Type: graphql.String,
			Resolve: field(func(d datastore.Datastore) interface{} {
				if d.Description == nil {
					return nil
				}
				return *d.Description
			}),
		},
		"createdAt": &graphql.Field{
			Type:    graphql.DateTime,
			Resolve: field(func(d datastore.Datastore) interface{} { return d.CreatedAt.UTC() }),
		},
	},
})

var fileStatusType = graphql.NewObject(graphql.ObjectConfig{
	Name:        "FileStatusEvent",
	Description: "A file moving between processing states",
	Fields: graphql.Fields{
		"fileId": &graphql.Field{
			Type:    graphql.NewNonNull(graphql.ID),
			Resolve: field(func(f events.FileStatus) interface{} { return f.FileID }),
		},
		"datastoreId": &graphql.Field{
			Type:    graphql.NewNonNull(graphql.ID),
			Resolve: field(func(f events.FileStatus) interface{} { return f.DatastoreID }),
		},
		"uploadSessionId": &graphql.Field{
			Type: graphql.ID,
			Resolve: field(func(f events.FileStatus) interface{} {
				if f.UploadSessionID == nil {
					return nil
				}
				return *f.UploadSessionID
			}),
		},
		"oldStatus": &graphql.Field{
			Type:    graphql.NewNonNull(graphql.String),
			Resolve: field(func(f events.FileStatus) interface{} { return f.OldStatus }),
		},
		"newStatus": &graphql.Field{
			Type:    graphql.NewNonNull(graphql.String),
			Resolve: field(func(f events.FileStatus) interface{} { return f.NewStatus }),
		},
		"occurredAt": &graphql.Field{
			Type:    graphql.NewNonNull(graphql.DateTime),
			Resolve: field(func(f events.FileStatus) interface{} { return f.OccurredAt.UTC() }),
		},
	},
})
