// Package hclconfig loads the domain configuration from HCL files: the
// function catalog, the market data snapshot and the view definitions.
//
// A function's compute expression is kept unevaluated and runs on a
// calculation node for every invocation:
//
//	function "discount" {
//	  target_type = "POSITION"
//	  priority    = 10
//
//	  output "PresentValue" {
//	    properties = { Currency = "*" }
//	  }
//
//	  input "cash" {
//	    value_name  = "CashFlow"
//	    constraints = { Currency = "$Currency" }
//	  }
//	  input "df" {
//	    value_name = "DiscountFactor"
//	    target     = "PRIMITIVE~USD-OIS"
//	  }
//
//	  compute = inputs.cash * inputs.df
//	}
//
//	market_data "DiscountFactor" {
//	  target = "PRIMITIVE~USD-OIS"
//	  value  = 0.97
//	}
//
//	view "book" {
//	  calc_config "default" {
//	    requirement "PresentValue" {
//	      target      = "POSITION~P1"
//	      constraints = { Currency = "USD" }
//	    }
//	  }
//	}
package hclconfig
