package listener

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// TriggerSQL generates the function and row trigger that make a table emit
// change notifications on the given channel. The payload is the contract the
// listener parses: table, operation, data, and old_data for updates.
func TriggerSQL(table, channel string) string {
	functionName := pgx.Identifier{fmt.Sprintf("notify_%s_changes", table)}.Sanitize()
	triggerName := pgx.Identifier{fmt.Sprintf("trg_%s_notify", table)}.Sanitize()
	tableName := pgx.Identifier{table}.Sanitize()
	// The channel lands inside a SQL string literal, not an identifier
	// position, so quotes are doubled instead of going through Sanitize.
	channelLiteral := strings.ReplaceAll(channel, "'", "''")

	return fmt.Sprintf(`
CREATE OR REPLACE FUNCTION %[1]s()
RETURNS TRIGGER AS $$
DECLARE
    payload JSON;
BEGIN
    IF TG_OP = 'DELETE' THEN
        payload = json_build_object(
            'table', TG_TABLE_NAME,
            'operation', TG_OP,
            'data', row_to_json(OLD),
            'old_data', NULL
        );
    ELSIF TG_OP = 'UPDATE' THEN
        payload = json_build_object(
            'table', TG_TABLE_NAME,
            'operation', TG_OP,
            'data', row_to_json(NEW),
            'old_data', row_to_json(OLD)
        );
    ELSE
        payload = json_build_object(
            'table', TG_TABLE_NAME,
            'operation', TG_OP,
            'data', row_to_json(NEW),
            'old_data', NULL
        );
    END IF;

    PERFORM pg_notify('%[4]s', payload::text);
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS %[2]s ON %[3]s;
CREATE TRIGGER %[2]s
AFTER INSERT OR UPDATE OR DELETE ON %[3]s
FOR EACH ROW EXECUTE FUNCTION %[1]s();
`, functionName, triggerName, tableName, channelLiteral)
}

// InstallTrigger applies the CDC trigger for one table.
func InstallTrigger(ctx context.Context, databaseURL, table, channel string) error {
	c, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer func() { _ = c.Close(context.Background()) }()

	if _, err := c.Exec(ctx, TriggerSQL(table, channel)); err != nil {
		return fmt.Errorf("install trigger on %s: %w", table, err)
	}
	return nil
}
