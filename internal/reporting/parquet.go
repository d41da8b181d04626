package reporting

import (
	"fmt"

	"github.com/parquet-go/parquet-go"

	"market-breadth-lab/internal/optimizer"
)

// WriteParquet writes optimizer results to a Parquet file at path.
func WriteParquet(path string, results []optimizer.Result) error {
	if err := parquet.WriteFile(path, Rows(results)); err != nil {
		return fmt.Errorf("write parquet %s: %w", path, err)
	}
	return nil
}

// ReadParquet loads rows written by WriteParquet.
func ReadParquet(path string) ([]ResultRow, error) {
	rows, err := parquet.ReadFile[ResultRow](path)
	if err != nil {
		return nil, fmt.Errorf("read parquet %s: %w", path, err)
	}
	return rows, nil
}
