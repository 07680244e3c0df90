package datasource

// New returns an unconnected adapter for kind. Callers must Connect it.
func New(kind Kind, creds Credentials) (Adapter, error) {
	switch kind {
	case KindPostgreSQL:
		return NewPostgres(creds), nil
	case KindMySQL:
		return NewMySQL(creds), nil
	case KindSQLite:
		return NewSQLite(creds), nil
	default:
		return nil, errUnsupported(kind)
	}
}
