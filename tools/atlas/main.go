// atlas 的 external_schema 來源，輸出所有模型對應的 DDL
//
//	data "external_schema" "gorm" {
//	  program = ["go", "run", "./tools/atlas", "--dialect", "postgres"]
//	}
package main

import (
	"fmt"
	"io"
	"os"

	"ariga.io/atlas-provider-gorm/gormschema"
	"github.com/spf13/pflag"

	"lastbid/models"
)

func main() {
	dialect := pflag.String("dialect", "postgres", "postgres, mysql or sqlite")
	pflag.Parse()

	stmts, err := gormschema.New(*dialect).Load(models.All()...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load gorm schema: %v\n", err)
		os.Exit(1)
	}
	io.WriteString(os.Stdout, stmts)
}
